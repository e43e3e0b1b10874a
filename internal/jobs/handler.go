package jobs

import (
	"context"
	"sync"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// ProgressFunc reports handler progress. Fire and forget: it persists
// progress_pct/detail and broadcasts job_progress, and failures are logged
// rather than surfaced to the handler.
type ProgressFunc func(pct int, detail string)

// Handler runs one job to completion. It returns a result reference (run id,
// report id) or empty when the job produces none. Handlers must poll the
// cancel event at every suspension point, between cases, inside inner loops
// and before each LLM call, and return promptly once it fires. A handler may
// publish its result ref early via Registry.SetResultRef so reconnecting
// clients can bind to partial results.
type Handler func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error)

// CancelEvent is a one-shot cancellation signal shared between the registry
// and a running handler.
type CancelEvent struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelEvent builds an unfired event.
func NewCancelEvent() *CancelEvent {
	return &CancelEvent{ch: make(chan struct{})}
}

// Set fires the event. Safe to call more than once.
func (e *CancelEvent) Set() {
	e.once.Do(func() { close(e.ch) })
}

// Fired reports whether Set has been called.
func (e *CancelEvent) Fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done exposes the event for select loops.
func (e *CancelEvent) Done() <-chan struct{} {
	return e.ch
}
