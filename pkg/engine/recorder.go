package engine

import (
	"context"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/telemetry"
)

// Recorder measures wall-clock latency around stages and the whole run. It
// only writes timing fields of the run and is safe for concurrent stages.
type Recorder struct {
	run       *domain.Run
	transport string
	now       func() time.Time
}

// NewRecorder creates a recorder for one run.
func NewRecorder(run *domain.Run, transport string) *Recorder {
	return &Recorder{run: run, transport: transport, now: time.Now}
}

// StartStage starts the clock for a stage. The returned function stops it and
// must be called exactly once, whether or not the stage failed. Any remote
// elapsed time reported through ctx is attached to the stage record.
func (r *Recorder) StartStage(stage domain.StageName) func(ctx context.Context, err error) time.Duration {
	start := r.now()
	return func(ctx context.Context, err error) time.Duration {
		elapsed := r.now().Sub(start)
		r.run.RecordStage(stage, elapsed, err)
		if remote, ok := runtime.RemoteElapsed(ctx); ok {
			r.run.RecordRemote(stage, remote)
		}
		telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
			Transport: r.transport,
			Stage:     stage,
			Duration:  elapsed,
			Err:       err,
		})
		return elapsed
	}
}

// StartRun starts the whole-run clock. The returned function stores the run's
// elapsed time and emits run metrics using the run's outcome at that point.
func (r *Recorder) StartRun() func(ctx context.Context) time.Duration {
	start := r.now()
	return func(ctx context.Context) time.Duration {
		r.run.Elapsed = r.now().Sub(start)
		telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{
			Transport: r.transport,
			Outcome:   r.run.Outcome,
			Failed:    r.run.FailedStage,
			Duration:  r.run.Elapsed,
		})
		return r.run.Elapsed
	}
}
