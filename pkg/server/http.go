package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
)

const (
	// MaxBodyBytes bounds a request body; frames travel base64 encoded.
	MaxBodyBytes = 64 << 20

	shutdownTimeout = 10 * time.Second

	codeUnauthorized     = "UNAUTHORIZED"
	codeNotFound         = "NOT_FOUND"
	codeBlockingRequired = "BLOCKING_REQUIRED"
)

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully. ready, if non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, ready func(net.Addr)) error {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	logger.Info("server listening", "addr", listener.Addr().String())
	if ready != nil {
		ready(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// readBody reads a Content-Length or chunked body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &domain.StageError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large", Err: err}
		}
		return nil, &domain.CodecError{Field: "body", Err: err}
	}
	return body, nil
}

// authorized checks a Basic credential given as "user:key" or as the encoded token.
func authorized(r *http.Request, credential string) bool {
	if credential == "" {
		return true
	}
	want := credential
	if strings.Contains(credential, ":") {
		want = base64.StdEncoding.EncodeToString([]byte(credential))
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Basic ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status and code derived from err.
func writeError(w http.ResponseWriter, err error, runID string) {
	writeJSON(w, domain.StatusOf(err), domain.ErrorResponse{
		Code:    domain.CodeOf(err),
		Message: domain.MessageOf(err),
		RunID:   runID,
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
