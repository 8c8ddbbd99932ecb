package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EngineConfig configures a DAG engine server.
type EngineConfig struct {
	// DAGs maps a graph name to the runner executing it.
	DAGs       map[string]runtime.Runner
	Credential string
	Logger     *slog.Logger
	Metrics    *Metrics
}

// EngineServer runs whole graphs at /api/v1/namespaces/{ns}/dag/{dag}.
type EngineServer struct {
	dags       map[string]runtime.Runner
	credential string
	logger     *slog.Logger
	metrics    *Metrics
}

// runSummary is the body returned when result=false.
type runSummary struct {
	RunID   string            `json:"run_id"`
	Outcome domain.RunOutcome `json:"outcome"`
	Success bool              `json:"success"`
}

// NewEngineServer creates an engine server.
func NewEngineServer(cfg EngineConfig) (*EngineServer, error) {
	if len(cfg.DAGs) == 0 {
		return nil, &domain.ConfigError{Key: "engine.dags", Err: errors.New("at least one DAG is required")}
	}
	for name, runner := range cfg.DAGs {
		if runner == nil {
			return nil, &domain.ConfigError{Key: "engine.dags", Err: fmt.Errorf("dag %q has no runner", name)}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &EngineServer{
		dags:       cfg.DAGs,
		credential: cfg.Credential,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Handler returns the routed, instrumented HTTP handler.
func (s *EngineServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/namespaces/{ns}/dag/{dag}",
		s.metrics.Instrument("dag", http.HandlerFunc(s.serveDAG)))
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return otelhttp.NewHandler(mux, "framepipe.engine")
}

func (s *EngineServer) serveDAG(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runID := r.Header.Get(transport.HeaderRunID)

	if !authorized(r, s.credential) {
		w.Header().Set("WWW-Authenticate", `Basic realm="framepipe"`)
		writeJSON(w, http.StatusUnauthorized, domain.ErrorResponse{Code: codeUnauthorized, Message: "missing or invalid credential", RunID: runID})
		return
	}
	if r.URL.Query().Get("blocking") != "true" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Code: codeBlockingRequired, Message: "only blocking invocations are supported", RunID: runID})
		return
	}
	name := r.PathValue("dag")
	runner, ok := s.dags[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Code: codeNotFound, Message: fmt.Sprintf("unknown dag %q", name), RunID: runID})
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err, runID)
		return
	}
	var req domain.FilterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, &domain.CodecError{Field: "body", Err: err}, runID)
		return
	}

	ctx := r.Context()
	if runID != "" {
		ctx = runtime.WithRunID(ctx, runID)
	}
	run, runErr := runner.Run(ctx, domain.FramePair{Current: req.CurFrame, Previous: req.PrevFrame})
	if run == nil {
		writeError(w, runErr, runID)
		return
	}
	s.metrics.RecordRun(run.Outcome)
	if runErr != nil {
		s.logger.Warn("dag run failed", "dag", name, "run_id", run.ID, "stage", run.FailedStage, "error", runErr)
	}

	for _, stage := range run.Invoked() {
		rec, _ := run.Stage(stage)
		w.Header().Set(transport.InvocTimeHeader(stage), transport.FormatSeconds(rec.Elapsed))
	}
	w.Header().Set(transport.HeaderInvocTime, transport.FormatSeconds(time.Since(start)))
	w.Header().Set(transport.HeaderRunID, run.ID)

	if r.URL.Query().Get("result") != "true" {
		writeJSON(w, http.StatusOK, runSummary{RunID: run.ID, Outcome: run.Outcome, Success: run.Success()})
		return
	}
	writeJSON(w, http.StatusOK, run.Report())
}
