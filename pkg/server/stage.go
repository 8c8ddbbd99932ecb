package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StageConfig configures a stage server.
type StageConfig struct {
	Handler    runtime.JSONHandler
	Credential string
	Logger     *slog.Logger
	Metrics    *Metrics
}

// StageServer serves one stage at /api/v1/namespaces/{ns}/actions/{stage}.
type StageServer struct {
	handler    runtime.JSONHandler
	credential string
	logger     *slog.Logger
	metrics    *Metrics
}

// NewStageServer creates a stage server.
func NewStageServer(cfg StageConfig) (*StageServer, error) {
	if cfg.Handler == nil {
		return nil, &domain.ConfigError{Key: "stage", Err: errors.New("stage handler is required")}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &StageServer{
		handler:    cfg.Handler,
		credential: cfg.Credential,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Handler returns the routed, instrumented HTTP handler.
func (s *StageServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/namespaces/{ns}/actions/{action}",
		s.metrics.Instrument("action", http.HandlerFunc(s.serveAction)))
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return otelhttp.NewHandler(mux, "framepipe.stage."+string(s.handler.Stage()))
}

func (s *StageServer) serveAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stage := s.handler.Stage()
	runID := r.Header.Get(transport.HeaderRunID)

	if !authorized(r, s.credential) {
		w.Header().Set("WWW-Authenticate", `Basic realm="framepipe"`)
		writeJSON(w, http.StatusUnauthorized, domain.ErrorResponse{Code: codeUnauthorized, Message: "missing or invalid credential", RunID: runID})
		return
	}
	if action := r.PathValue("action"); action != string(stage) {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Code: codeNotFound, Message: "this server hosts " + string(stage), RunID: runID})
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err, runID)
		return
	}

	ctx := r.Context()
	if runID != "" {
		ctx = runtime.WithRunID(ctx, runID)
	}
	out, err := s.handler.ServeJSON(ctx, body)
	w.Header().Set(transport.HeaderInvocTime, transport.FormatSeconds(time.Since(start)))
	if err != nil {
		s.logger.Warn("stage failed", "stage", stage, "run_id", runID, "error", err)
		writeError(w, err, runID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
