package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/framepipe/internal/governance"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/logging"
	"github.com/polisai/framepipe/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) *governance.RetryPolicy {
	return governance.NewRetryPolicy(governance.RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func newInvoker(t *testing.T, base string, retry *governance.RetryPolicy) *transport.HTTPInvoker {
	t.Helper()
	inv, err := transport.NewHTTPInvoker(transport.HTTPConfig{
		BaseURL:    base,
		Credential: "user:secret",
		Client:     &http.Client{Timeout: 5 * time.Second},
		Retry:      retry,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return inv
}

func writeStageError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Code: domain.CodeStage, Message: msg})
}

func TestHTTPInvoker_RetriesIdempotentStage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			writeStageError(w, http.StatusServiceUnavailable, "warming up")
			return
		}
		_ = json.NewEncoder(w).Encode(domain.FilterDecision{Success: true, Frame: "Y3Vy", Score: 0.2})
	}))
	defer srv.Close()

	decision, err := newInvoker(t, srv.URL, fastRetry(2)).Filter(context.Background(), domain.FilterRequest{CurFrame: "Y3Vy", PrevFrame: "cHJldg=="})
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHTTPInvoker_NeverRetriesSink(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeStageError(w, http.StatusServiceUnavailable, "broker unavailable")
	}))
	defer srv.Close()

	_, err := newInvoker(t, srv.URL, fastRetry(3)).Sink(context.Background(), domain.BranchRequest{Frame: "Y3Vy"})
	require.Error(t, err)

	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, domain.StageSink, stageErr.Stage)
	assert.Equal(t, http.StatusServiceUnavailable, stageErr.Status)
	assert.Equal(t, "broker unavailable", stageErr.Message)
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPInvoker_NetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := newInvoker(t, base, governance.NoRetry()).Detect(context.Background(), domain.DetectRequest{Frame: "Y3Vy"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.CodeTransport, domain.CodeOf(err))
}

func TestHTTPInvoker_MalformedResponseIsCodecError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":`))
	}))
	defer srv.Close()

	_, err := newInvoker(t, srv.URL, governance.NoRetry()).Annotate(context.Background(), domain.BranchRequest{Frame: "Y3Vy"})
	assert.ErrorIs(t, err, domain.ErrCodec)
}

func TestHTTPInvoker_PropagatesRunIDAndTiming(t *testing.T) {
	var (
		gotRunID string
		gotPath  string
		gotUser  string
		gotPass  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRunID = r.Header.Get(transport.HeaderRunID)
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set(transport.HeaderInvocTime, "0.125000")
		_ = json.NewEncoder(w).Encode(domain.SinkAck{Success: true, Published: 2})
	}))
	defer srv.Close()

	ctx := runtime.WithRemoteElapsedSlot(runtime.WithRunID(context.Background(), "run-42"))
	ack, err := newInvoker(t, srv.URL, governance.NoRetry()).Sink(ctx, domain.BranchRequest{Frame: "Y3Vy"})
	require.NoError(t, err)

	assert.Equal(t, domain.SinkAck{Success: true, Published: 2}, ack)
	assert.Equal(t, "run-42", gotRunID)
	assert.Equal(t, "/api/v1/namespaces/guest/actions/sink", gotPath)
	assert.Equal(t, "user", gotUser)
	assert.Equal(t, "secret", gotPass)
	remote, ok := runtime.RemoteElapsed(ctx)
	require.True(t, ok)
	assert.Equal(t, 125*time.Millisecond, remote)
}

func TestHTTPInvoker_StopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newInvoker(t, srv.URL, fastRetry(3)).Filter(ctx, domain.FilterRequest{CurFrame: "Y3Vy", PrevFrame: "Y3Vy"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTransport))
}

func TestNewHTTPInvoker_StageURLs(t *testing.T) {
	inv, err := transport.NewHTTPInvoker(transport.HTTPConfig{
		BaseURL:   "http://stages:3233/",
		Namespace: "video",
		URLs:      map[domain.StageName]string{domain.StageDetect: "http://gpu:8080/detect"},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://stages:3233/api/v1/namespaces/video/actions/filter?blocking=true&result=true", inv.URL(domain.StageFilter))
	assert.Equal(t, "http://gpu:8080/detect", inv.URL(domain.StageDetect))

	_, err = transport.NewHTTPInvoker(transport.HTTPConfig{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}
