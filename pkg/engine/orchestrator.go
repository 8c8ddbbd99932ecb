package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStageTimeout bounds a single stage invocation.
	DefaultStageTimeout = 30 * time.Second

	tracerName = "framepipe.pipeline"
)

// Config holds dependencies for creating an Orchestrator.
type Config struct {
	Invoker runtime.StageInvoker
	Logger  *slog.Logger
	// StageTimeout bounds each stage call. Zero disables the deadline.
	StageTimeout time.Duration
	// Transport labels spans and metrics ("direct", "http").
	Transport string
	// NewRunID overrides run identifier generation.
	NewRunID func() string
}

// Orchestrator executes the filter -> detect -> {annotate, sink} graph for one
// frame pair at a time. It is safe for concurrent runs; each run owns its state.
type Orchestrator struct {
	invoker      runtime.StageInvoker
	logger       *slog.Logger
	stageTimeout time.Duration
	transport    string
	newRunID     func() string
	tracer       trace.Tracer
}

// NewOrchestrator creates an orchestrator over the given invoker.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Invoker == nil {
		return nil, &domain.ConfigError{Key: "invoker", Err: errors.New("stage invoker is required")}
	}
	if cfg.StageTimeout < 0 {
		return nil, &domain.ConfigError{Key: "stage_timeout", Err: fmt.Errorf("must not be negative, got %s", cfg.StageTimeout)}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == "" {
		transport = "direct"
	}
	newRunID := cfg.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	return &Orchestrator{
		invoker:      cfg.Invoker,
		logger:       logger,
		stageTimeout: cfg.StageTimeout,
		transport:    transport,
		newRunID:     newRunID,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// Run executes the graph for one frame pair. The returned run is never nil;
// the error is the failing stage's error when the run failed. A run ID already
// carried by ctx is reused, otherwise a new one is generated.
func (o *Orchestrator) Run(ctx context.Context, pair domain.FramePair) (*domain.Run, error) {
	id := runtime.RunIDFrom(ctx)
	if id == "" {
		id = o.newRunID()
		ctx = runtime.WithRunID(ctx, id)
	}
	run := domain.NewRun(id, pair)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("pipeline.transport", o.transport),
	))
	defer span.End()

	recorder := NewRecorder(run, o.transport)
	stopRun := recorder.StartRun()

	o.execute(ctx, run, recorder)

	elapsed := stopRun(ctx)
	telemetry.RecordRunEvent(span, run)
	span.SetAttributes(attribute.String("run.outcome", string(run.Outcome)))

	if run.Err != nil {
		span.RecordError(run.Err)
		span.SetStatus(codes.Error, run.Err.Error())
		o.logger.Warn("run failed",
			"run_id", run.ID,
			"stage", run.FailedStage,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", run.Err,
		)
		return run, run.Err
	}

	span.SetStatus(codes.Ok, "")
	o.logger.Info("run finished",
		"run_id", run.ID,
		"outcome", run.Outcome,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, recorder *Recorder) {
	if !o.transition(run, domain.StateFiltering) {
		return
	}

	decision, err := invokeStage(ctx, o, run, recorder, domain.StageFilter, func(ctx context.Context) (domain.FilterDecision, error) {
		return o.invoker.Filter(ctx, domain.FilterRequest{
			CurFrame:  run.Input.Current,
			PrevFrame: run.Input.Previous,
		})
	})
	if err != nil {
		run.Fail(domain.StageFilter, err)
		return
	}
	run.Filter = &decision

	if !decision.Success {
		o.transition(run, domain.StateSkipped)
		return
	}
	detectReq, err := DetectRequestFrom(decision)
	if err != nil {
		run.Fail(domain.StageFilter, err)
		return
	}
	if !o.transition(run, domain.StateFiltered) || !o.transition(run, domain.StateDetecting) {
		return
	}

	detection, err := invokeStage(ctx, o, run, recorder, domain.StageDetect, func(ctx context.Context) (domain.DetectionResult, error) {
		return o.invoker.Detect(ctx, detectReq)
	})
	if err != nil {
		run.Fail(domain.StageDetect, err)
		return
	}
	run.Detection = &detection

	branch, err := BranchRequestFrom(detection)
	if err != nil {
		run.Fail(domain.StageDetect, err)
		return
	}
	if !o.transition(run, domain.StateFanningOut) {
		return
	}

	failedStage, failure := o.fanOut(ctx, run, recorder, branch)

	if !o.transition(run, domain.StateJoining) {
		return
	}
	if failure != nil {
		run.Fail(failedStage, failure)
		return
	}
	o.transition(run, domain.StateDone)
}

// fanOut invokes annotate and sink concurrently on the same request and waits
// for both. A failing branch never cancels the other; the first failure to
// complete is reported.
func (o *Orchestrator) fanOut(ctx context.Context, run *domain.Run, recorder *Recorder, branch domain.BranchRequest) (domain.StageName, error) {
	var (
		mu          sync.Mutex
		failedStage domain.StageName
		failure     error
	)
	fail := func(stage domain.StageName, err error) {
		mu.Lock()
		defer mu.Unlock()
		if failure == nil {
			failedStage, failure = stage, err
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		res, err := invokeStage(ctx, o, run, recorder, domain.StageAnnotate, func(ctx context.Context) (domain.AnnotateResult, error) {
			return o.invoker.Annotate(ctx, branch)
		})
		if err != nil {
			fail(domain.StageAnnotate, err)
			return nil
		}
		run.Annotate = &res
		return nil
	})
	g.Go(func() error {
		ack, err := invokeStage(ctx, o, run, recorder, domain.StageSink, func(ctx context.Context) (domain.SinkAck, error) {
			return o.invoker.Sink(ctx, branch)
		})
		if err != nil {
			fail(domain.StageSink, err)
			return nil
		}
		run.Sink = &ack
		return nil
	})
	// Branches report through fail and always return nil, so Wait is only the join.
	if err := g.Wait(); err != nil {
		return "", err
	}
	return failedStage, failure
}

func (o *Orchestrator) transition(run *domain.Run, to domain.RunState) bool {
	if err := run.Transition(to); err != nil {
		o.logger.Error("run state machine violated", "run_id", run.ID, "error", err)
		run.Fail("", err)
		return false
	}
	return true
}

// invokeStage wraps one stage call with its span, deadline and timing.
func invokeStage[T any](ctx context.Context, o *Orchestrator, run *domain.Run, recorder *Recorder, stage domain.StageName, call func(context.Context) (T, error)) (T, error) {
	stageCtx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("stage.name", string(stage)),
	))
	defer span.End()

	if o.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, o.stageTimeout)
		defer cancel()
	}
	stageCtx = runtime.WithRemoteElapsedSlot(stageCtx)

	stop := recorder.StartStage(stage)
	out, err := call(stageCtx)
	err = o.classify(ctx, stageCtx, stage, err)
	elapsed := stop(stageCtx, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", domain.CodeOf(err)))
		o.logger.Warn("stage failed",
			"run_id", run.ID,
			"stage", stage,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return out, err
	}

	span.SetStatus(codes.Ok, "")
	o.logger.Debug("stage finished",
		"run_id", run.ID,
		"stage", stage,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return out, nil
}

// classify turns a stage deadline into a 504 StageError. Errors that already
// carry a stage status and cancellations of the caller pass through.
func (o *Orchestrator) classify(parent, stageCtx context.Context, stage domain.StageName, err error) error {
	if err == nil {
		return nil
	}
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return err
	}
	if parent.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return &domain.StageError{
			Stage:   stage,
			Status:  http.StatusGatewayTimeout,
			Message: fmt.Sprintf("timed out after %s", o.stageTimeout),
			Err:     context.DeadlineExceeded,
		}
	}
	return err
}
