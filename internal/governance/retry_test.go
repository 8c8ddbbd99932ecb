package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return NewRetryPolicy(RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
}

func TestShouldRetry_GatesOnIdempotency(t *testing.T) {
	policy := fastPolicy(3)
	transportErr := &domain.TransportError{Stage: domain.StageSink, URL: "http://sink", Err: errors.New("connection reset")}

	assert.True(t, policy.ShouldRetry(domain.StageFilter, transportErr, 0))
	assert.True(t, policy.ShouldRetry(domain.StageDetect, transportErr, 2))
	assert.False(t, policy.ShouldRetry(domain.StageDetect, transportErr, 3), "attempt budget exhausted")
	assert.False(t, policy.ShouldRetry(domain.StageSink, transportErr, 0), "sink has side effects")
	assert.False(t, policy.ShouldRetry(domain.StageAnnotate, transportErr, 0), "annotate has side effects")
}

func TestShouldRetry_ClassifiesErrors(t *testing.T) {
	policy := fastPolicy(3)

	assert.True(t, policy.ShouldRetry(domain.StageFilter, domain.NewStageError(domain.StageFilter, http.StatusServiceUnavailable, "busy"), 0))
	assert.False(t, policy.ShouldRetry(domain.StageFilter, domain.NewStageError(domain.StageFilter, http.StatusBadRequest, "bad"), 0))
	assert.False(t, policy.ShouldRetry(domain.StageFilter, &domain.CodecError{Err: errors.New("bad base64")}, 0))
	assert.False(t, policy.ShouldRetry(domain.StageFilter, context.Canceled, 0))
	assert.False(t, policy.ShouldRetry(domain.StageFilter, nil, 0))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	policy := fastPolicy(2)
	calls := 0

	attempts, err := policy.Do(context.Background(), domain.StageDetect, func(int) error {
		calls++
		if calls < 2 {
			return &domain.TransportError{Stage: domain.StageDetect, Err: errors.New("connection refused")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_NeverRepeatsSink(t *testing.T) {
	policy := fastPolicy(5)
	failure := &domain.TransportError{Stage: domain.StageSink, Err: errors.New("connection reset")}

	attempts, err := policy.Do(context.Background(), domain.StageSink, func(int) error { return failure })

	assert.Equal(t, 1, attempts)
	assert.Same(t, failure, err, "last error is returned unchanged")
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	failure := &domain.TransportError{Stage: domain.StageFilter, Err: errors.New("timeout")}

	attempts, err := policy.Do(ctx, domain.StageFilter, func(int) error {
		cancel()
		return failure
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, failure, err)
}

func TestCalculateBackoff_Capped(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2})

	assert.Equal(t, 100*time.Millisecond, policy.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, policy.CalculateBackoff(1))
	assert.Equal(t, 300*time.Millisecond, policy.CalculateBackoff(4))
}

func TestNoRetry(t *testing.T) {
	assert.Equal(t, 0, NoRetry().Config().MaxRetries)
	assert.False(t, NoRetry().ShouldRetry(domain.StageFilter, errors.New("timeout"), 0))
}
