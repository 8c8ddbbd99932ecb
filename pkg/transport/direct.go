package transport

import (
	"context"
	"errors"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
)

// Direct invokes stage implementations in the same process.
type Direct struct {
	filter   runtime.FilterStage
	detect   runtime.DetectStage
	annotate runtime.AnnotateStage
	sink     runtime.SinkStage
}

// DirectStages lists the in-process stage implementations.
type DirectStages struct {
	Filter   runtime.FilterStage
	Detect   runtime.DetectStage
	Annotate runtime.AnnotateStage
	Sink     runtime.SinkStage
}

// NewDirect creates a direct invoker. Every stage is required.
func NewDirect(stages DirectStages) (*Direct, error) {
	if stages.Filter == nil || stages.Detect == nil || stages.Annotate == nil || stages.Sink == nil {
		return nil, &domain.ConfigError{Key: "stages", Err: errors.New("direct transport needs all four stages")}
	}
	return &Direct{
		filter:   stages.Filter,
		detect:   stages.Detect,
		annotate: stages.Annotate,
		sink:     stages.Sink,
	}, nil
}

func (d *Direct) Filter(ctx context.Context, req domain.FilterRequest) (domain.FilterDecision, error) {
	return d.filter.Filter(ctx, req)
}

func (d *Direct) Detect(ctx context.Context, req domain.DetectRequest) (domain.DetectionResult, error) {
	return d.detect.Detect(ctx, req)
}

func (d *Direct) Annotate(ctx context.Context, req domain.BranchRequest) (domain.AnnotateResult, error) {
	return d.annotate.Annotate(ctx, req)
}

func (d *Direct) Sink(ctx context.Context, req domain.BranchRequest) (domain.SinkAck, error) {
	return d.sink.Sink(ctx, req)
}

var _ runtime.StageInvoker = (*Direct)(nil)
