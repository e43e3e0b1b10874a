// Package backoff provides exponential backoff utilities for retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy returns the general-purpose policy: 100ms initial, 30s max,
// factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// ProviderPolicy returns the ladder used for upstream LLM retries:
// 2s, 4s, 8s with no jitter, so transient 5xx responses get a predictable
// recovery window.
func ProviderPolicy() Policy {
	return Policy{InitialMs: 2000, MaxMs: 8000, Factor: 2, Jitter: 0}
}

// Compute calculates the backoff duration for a 1-indexed attempt number.
// base = initialMs * factor^(attempt-1); jitter = base * jitter * random().
// The result is clamped to MaxMs.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Sleep waits for the given duration, respecting context cancellation.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBackoff computes the backoff for an attempt and sleeps it out.
func SleepBackoff(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}

// Retry executes fn with exponential backoff, retrying only while
// retryable(err) holds. fn receives the 1-indexed attempt number. A
// non-retryable error propagates immediately; exhausting attempts returns
// the last error.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := SleepBackoff(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}

	if lastErr != nil {
		return zero, lastErr
	}
	return zero, ErrMaxAttemptsExhausted
}
