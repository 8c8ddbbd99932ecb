package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultDAG is the graph name the engine registers.
const DefaultDAG = "video-analytics"

// DelegatedConfig configures the delegated runner.
type DelegatedConfig struct {
	// EngineURL is the DAG engine host, e.g. http://localhost:3233.
	EngineURL  string
	Namespace  string
	DAG        string
	Credential string
	Client     *http.Client
	Logger     *slog.Logger
}

// Delegated hands a whole run to a remote DAG engine in one call.
type Delegated struct {
	url        string
	credential string
	client     *http.Client
	logger     *slog.Logger
}

// NewDelegated creates a delegated runner.
func NewDelegated(cfg DelegatedConfig) (*Delegated, error) {
	if cfg.EngineURL == "" {
		return nil, &domain.ConfigError{Key: "engine.url", Err: errors.New("engine URL is required")}
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	dag := cfg.DAG
	if dag == "" {
		dag = DefaultDAG
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegated{
		url:        DAGURL(cfg.EngineURL, namespace, dag),
		credential: cfg.Credential,
		client:     client,
		logger:     logger,
	}, nil
}

// Run posts the frame pair and rebuilds the run from the engine's report. The
// run's elapsed time is the caller-observed latency of the whole call; stage
// records carry the engine's timings, with Invoc-Time-<stage> headers
// preferred for the remote component.
func (d *Delegated) Run(ctx context.Context, pair domain.FramePair) (*domain.Run, error) {
	runID := runtime.RunIDFrom(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	start := time.Now()

	run, err := d.call(ctx, runID, pair)
	if err != nil {
		run = domain.NewRun(runID, pair)
		run.Fail("", err)
	}
	run.Elapsed = time.Since(start)

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{
		Transport: "delegated",
		Outcome:   run.Outcome,
		Failed:    run.FailedStage,
		Duration:  run.Elapsed,
	})
	if run.Err != nil {
		d.logger.Warn("delegated run failed", "run_id", run.ID, "stage", run.FailedStage, "error", run.Err)
		return run, run.Err
	}
	d.logger.Info("delegated run finished", "run_id", run.ID, "outcome", run.Outcome,
		"elapsed_ms", run.Elapsed.Milliseconds())
	return run, nil
}

func (d *Delegated) call(ctx context.Context, runID string, pair domain.FramePair) (*domain.Run, error) {
	body, err := json.Marshal(domain.FilterRequest{CurFrame: pair.Current, PrevFrame: pair.Previous})
	if err != nil {
		return nil, &domain.CodecError{Field: "frame pair", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.TransportError{URL: d.url, Err: err}
	}
	setCommonHeaders(req, d.credential, runID)

	res, err := d.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{URL: d.url, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.TransportError{URL: d.url, Err: fmt.Errorf("read response: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errorFromResponse("", res.StatusCode, raw)
	}

	var report domain.RunReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, &domain.CodecError{Field: "run report", Err: err}
	}
	if report.RunID == "" {
		report.RunID = runID
	}
	run, err := domain.RunFromReport(report, pair)
	if err != nil {
		return nil, &domain.CodecError{Field: "run report", Err: err}
	}

	headers := StageTimings(res.Header)
	for _, stage := range domain.Stages {
		if remote, ok := headers[stage]; ok {
			run.RecordRemote(stage, remote)
			continue
		}
		if rec, ok := run.Stage(stage); ok && rec.Elapsed > 0 {
			run.RecordRemote(stage, rec.Elapsed)
		}
	}
	return run, nil
}

var _ runtime.Runner = (*Delegated)(nil)
