package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt with no jitter",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "jitter adds fraction of base",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 1.0,
			expected:    150 * time.Millisecond,
		},
		{
			name:        "attempt zero treated as first",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestProviderPolicyLadder(t *testing.T) {
	policy := ProviderPolicy()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := ComputeWithRand(policy, i+1, 0); got != expected {
			t.Errorf("attempt %d = %v, want %v", i+1, got, expected)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	fast := Policy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}
	retryable := errors.New("transient")

	value, err := Retry(context.Background(), fast, 5,
		func(err error) bool { return errors.Is(err, retryable) },
		func(attempt int) (string, error) {
			calls++
			if attempt < 3 {
				return "", retryable
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if value != "ok" {
		t.Errorf("Retry() value = %q, want ok", value)
	}
	if calls != 3 {
		t.Errorf("Retry() made %d calls, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("auth failed")
	fast := Policy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}

	_, err := Retry(context.Background(), fast, 5,
		func(err error) bool { return false },
		func(attempt int) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Errorf("Retry() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("Retry() made %d calls, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("transient")
	fast := Policy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}

	_, err := Retry(context.Background(), fast, 3,
		func(err error) bool { return true },
		func(attempt int) (int, error) {
			calls++
			return 0, transient
		})
	if !errors.Is(err, transient) {
		t.Errorf("Retry() error = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("Retry() made %d calls, want 3", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, DefaultPolicy(), 3, nil, func(attempt int) (int, error) {
		t.Fatal("fn should not run with cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) error = %v", err)
	}
}
