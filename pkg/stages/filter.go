package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/polisai/framepipe/pkg/codec"
	"github.com/polisai/framepipe/pkg/domain"
)

// DefaultFilterThreshold is the similarity at or above which a frame is dropped.
const DefaultFilterThreshold = 0.8

// Filter gates frames that are too similar to the previous one.
type Filter struct {
	similarity Similarity
	threshold  atomic.Uint64
}

// NewFilter creates a filter. The threshold can be changed later with
// SetThreshold while runs are in flight.
func NewFilter(similarity Similarity, threshold float64) (*Filter, error) {
	if similarity == nil {
		return nil, &domain.ConfigError{Key: "filter.similarity", Err: errors.New("similarity is required")}
	}
	f := &Filter{similarity: similarity}
	if err := f.SetThreshold(threshold); err != nil {
		return nil, err
	}
	return f, nil
}

// Threshold returns the current rejection threshold.
func (f *Filter) Threshold() float64 {
	return math.Float64frombits(f.threshold.Load())
}

// SetThreshold replaces the rejection threshold atomically.
func (f *Filter) SetThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return &domain.ConfigError{Key: "filter.threshold", Err: fmt.Errorf("must be within [0, 1], got %v", threshold)}
	}
	f.threshold.Store(math.Float64bits(threshold))
	return nil
}

// Filter implements runtime.FilterStage. A score at or above the threshold
// rejects the frame; otherwise the current frame is forwarded unchanged.
func (f *Filter) Filter(ctx context.Context, req domain.FilterRequest) (domain.FilterDecision, error) {
	start := time.Now()
	threshold := f.Threshold()

	cur, _, err := codec.DecodeImage("cur_frame", req.CurFrame)
	if err != nil {
		return domain.FilterDecision{}, err
	}
	prev, _, err := codec.DecodeImage("prev_frame", req.PrevFrame)
	if err != nil {
		return domain.FilterDecision{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.FilterDecision{}, err
	}

	score, err := f.similarity.Score(cur, prev)
	if err != nil {
		return domain.FilterDecision{}, &domain.StageError{
			Stage:   domain.StageFilter,
			Status:  http.StatusUnprocessableEntity,
			Message: err.Error(),
			Err:     err,
		}
	}

	decision := domain.FilterDecision{Score: score}
	if score < threshold {
		decision.Success = true
		decision.Frame = req.CurFrame
	}
	decision.Elapsed = domain.SecondsOf(time.Since(start))
	return decision, nil
}
