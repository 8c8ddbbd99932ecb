package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONStage_DecodesAndEncodes(t *testing.T) {
	handler := JSONStage(domain.StageDetect, func(_ context.Context, req domain.DetectRequest) (domain.DetectionResult, error) {
		return domain.DetectionResult{Frame: req.Frame, Boxes: []domain.Box{}, Indices: []int{}, ClassIDs: []int{}, Confidences: []float64{}}, nil
	})

	out, err := handler.ServeJSON(context.Background(), []byte(`{"frame":"QUJD"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"boxes":[],"indices":[],"class_ids":[],"confidences":[],"frame":"QUJD"}`, string(out))
	assert.Equal(t, domain.StageDetect, handler.Stage())
}

func TestJSONStage_MalformedBodyIsCodecError(t *testing.T) {
	called := false
	handler := JSONStage(domain.StageSink, func(_ context.Context, _ domain.BranchRequest) (domain.SinkAck, error) {
		called = true
		return domain.SinkAck{}, nil
	})

	_, err := handler.ServeJSON(context.Background(), []byte(`{"frame":`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCodec))
	assert.False(t, called)
}

func TestRemoteElapsedSlot(t *testing.T) {
	ReportRemoteElapsed(context.Background(), time.Second) // no slot, no panic

	ctx := WithRemoteElapsedSlot(context.Background())
	_, ok := RemoteElapsed(ctx)
	assert.False(t, ok)

	ReportRemoteElapsed(ctx, 250*time.Millisecond)
	d, ok := RemoteElapsed(ctx)
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestRunIDFrom(t *testing.T) {
	assert.Empty(t, RunIDFrom(context.Background()))
	assert.Equal(t, "run-1", RunIDFrom(WithRunID(context.Background(), "run-1")))
}
