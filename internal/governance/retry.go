package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
)

// RetryConfig defines retry behaviour for stage calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the factor by which backoff grows per attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to 25% random delay.
	Jitter bool `yaml:"jitter"`
	// RetryableStatusCodes lists stage statuses worth repeating.
	RetryableStatusCodes map[int]bool `yaml:"-"`
}

// DefaultRetryConfig returns the defaults: one retry for idempotent stages.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        1,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:     true, // 408
			http.StatusTooManyRequests:    true, // 429
			http.StatusBadGateway:         true, // 502
			http.StatusServiceUnavailable: true, // 503
			http.StatusGatewayTimeout:     true, // 504
		},
	}
}

// RetryPolicy decides whether and when a stage call is repeated.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return &RetryPolicy{config: config}
}

// NoRetry is a policy that never repeats a call.
func NoRetry() *RetryPolicy {
	return NewRetryPolicy(RetryConfig{MaxRetries: 0})
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether a failed attempt of stage may be repeated.
// Stages with side effects are never retried.
func (rp *RetryPolicy) ShouldRetry(stage domain.StageName, err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if !stage.Idempotent() {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return rp.config.RetryableStatusCodes[stageErr.Status]
	}
	if errors.Is(err, domain.ErrCodec) {
		return false
	}
	return errors.Is(err, domain.ErrTransport) || IsRetryableError(err)
}

// CalculateBackoff returns the delay before retry number attempt+1.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, the policy refuses another attempt, or ctx
// ends. It returns the number of attempts made and the last error unchanged.
func (rp *RetryPolicy) Do(ctx context.Context, stage domain.StageName, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !rp.ShouldRetry(stage, lastErr, attempt) {
			return attempt + 1, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt + 1, lastErr
		case <-time.After(rp.CalculateBackoff(attempt)):
		}
	}
}

// IsRetryableError reports whether an untyped error looks transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
