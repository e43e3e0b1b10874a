// Package ratelimit decides whether a job submission runs now, waits in the
// queue, or is rejected. Limits are per user: an hourly sliding window over
// created jobs plus a concurrency cap on running ones.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/gauntlet/internal/store"
)

// Defaults applied when a user has no override row.
const (
	DefaultPerHour       = 20
	DefaultMaxConcurrent = 1
)

// ErrHourlyLimit is returned when the sliding window is exhausted; the
// submission is rejected outright, never queued.
var ErrHourlyLimit = errors.New("hourly job limit reached")

// Decision is the outcome of a submission check.
type Decision int

const (
	// Run means a slot is free and the job may start immediately.
	Run Decision = iota
	// Queue means the user is at their concurrency cap; the job waits.
	Queue
)

// RunningCounter reports the user's currently running job count. The
// registry owns that number; counting database rows would race with slot
// accounting.
type RunningCounter func(userID string) int

// Policy evaluates submissions against stored limits.
type Policy struct {
	store   *store.Store
	running RunningCounter
	now     func() time.Time
}

// NewPolicy wires the policy to persistence and the registry's live counts.
func NewPolicy(st *store.Store, running RunningCounter) *Policy {
	return &Policy{store: st, running: running, now: time.Now}
}

// Check validates a submission for the user. The hourly window counts every
// job created in the trailing hour regardless of status, so cancelling jobs
// does not refund quota.
func (p *Policy) Check(ctx context.Context, userID string) (Decision, error) {
	limits, err := p.store.GetRateLimit(ctx, userID)
	if err != nil {
		return Queue, fmt.Errorf("load rate limits: %w", err)
	}
	perHour := limits.BenchmarksPerHour
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	maxConcurrent := limits.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	n, err := p.store.CountJobsSince(ctx, userID, p.now().Add(-time.Hour))
	if err != nil {
		return Queue, fmt.Errorf("count recent jobs: %w", err)
	}
	if n >= perHour {
		return Queue, ErrHourlyLimit
	}

	if p.running(userID) >= maxConcurrent {
		return Queue, nil
	}
	return Run, nil
}

// MaxConcurrent returns the user's effective concurrency cap; the registry
// consults it when promoting queued jobs.
func (p *Policy) MaxConcurrent(ctx context.Context, userID string) int {
	limits, err := p.store.GetRateLimit(ctx, userID)
	if err != nil || limits.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return limits.MaxConcurrent
}
