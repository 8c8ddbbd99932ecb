// Package runtime defines the contracts shared by the orchestrator, the
// transports and the stage implementations, keeping graph logic decoupled from
// how a stage is reached.
package runtime

import (
	"context"

	"github.com/polisai/framepipe/pkg/domain"
)

// FilterStage compares the current frame against the previous one.
type FilterStage interface {
	Filter(ctx context.Context, req domain.FilterRequest) (domain.FilterDecision, error)
}

// DetectStage finds objects in an accepted frame.
type DetectStage interface {
	Detect(ctx context.Context, req domain.DetectRequest) (domain.DetectionResult, error)
}

// AnnotateStage renders detections. It has side effects and is never retried.
type AnnotateStage interface {
	Annotate(ctx context.Context, req domain.BranchRequest) (domain.AnnotateResult, error)
}

// SinkStage publishes detections. It has side effects and is never retried.
type SinkStage interface {
	Sink(ctx context.Context, req domain.BranchRequest) (domain.SinkAck, error)
}

// StageInvoker reaches every stage of the graph. Transports implement it; the
// orchestrator only ever talks to this interface.
type StageInvoker interface {
	FilterStage
	DetectStage
	AnnotateStage
	SinkStage
}

// Runner executes a whole run for one frame pair. The returned run is never
// nil; the error is non-nil iff the run failed.
type Runner interface {
	Run(ctx context.Context, pair domain.FramePair) (*domain.Run, error)
}
