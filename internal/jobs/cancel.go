package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CancelOutcome reports what a cancel request actually did.
type CancelOutcome struct {
	// Status the job holds after the request.
	Status models.JobStatus `json:"status"`
	// WasOrphan is set when the job row and its child run table disagreed
	// and only the child needed cleanup.
	WasOrphan bool `json:"was_orphan,omitempty"`
}

// CancelJob cancels a job on the requester's behalf. Pending and queued jobs
// finalize immediately; running jobs get their cancel event set and the
// handler's cleanup finalizes them; ghosts (rows that say running with no
// live task) are forced to interrupted along with any child run row that
// still says running.
func (r *Registry) CancelJob(ctx context.Context, jobID, requesterID string, isAdmin bool) (*CancelOutcome, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !isAdmin && job.UserID != requesterID {
		return nil, ErrForbidden
	}

	switch job.Status {
	case models.JobPending, models.JobQueued:
		if err := r.store.UpdateJobStatus(ctx, jobID, models.JobCancelled, ""); err != nil {
			return nil, err
		}
		r.broadcast(job.UserID, models.Frame(models.WSJobCancelled, jobID, map[string]any{
			"status": models.JobCancelled,
		}))
		return &CancelOutcome{Status: models.JobCancelled}, nil

	case models.JobRunning:
		r.mu.Lock()
		rj, live := r.running[jobID]
		r.mu.Unlock()
		if live {
			// The handler observes the event; its cleanup finalizes status.
			rj.cancel.Set()
			return &CancelOutcome{Status: models.JobRunning}, nil
		}
		// Ghost: the row says running but no task exists, typically after a
		// crash-restart that recovery missed.
		if err := r.store.UpdateJobStatus(ctx, jobID, models.JobInterrupted, ""); err != nil {
			return nil, err
		}
		orphan := r.cleanChildRun(ctx, job)
		r.broadcast(job.UserID, models.Frame(models.WSJobFailed, jobID, map[string]any{
			"status": models.JobInterrupted,
		}))
		return &CancelOutcome{Status: models.JobInterrupted, WasOrphan: orphan}, nil

	default:
		// Terminal. Still worth checking for a child run left running.
		if r.cleanChildRun(ctx, job) {
			return &CancelOutcome{Status: job.Status, WasOrphan: true}, nil
		}
		return nil, ErrNotCancellable
	}
}

// Cancel implements hub.Canceller.
func (r *Registry) Cancel(ctx context.Context, jobID, requesterID string, isAdmin bool) error {
	_, err := r.CancelJob(ctx, jobID, requesterID, isAdmin)
	return err
}

func (r *Registry) cleanChildRun(ctx context.Context, job *models.Job) bool {
	if job.ResultRef == "" {
		return false
	}
	flipped, err := r.store.InterruptChildRun(ctx, job.Type, job.ResultRef)
	if err != nil {
		r.logger.Warn("child run cleanup failed", "job_id", job.ID, "error", err)
		return false
	}
	return flipped
}

// Watchdog fails running jobs whose deadline has passed. Run it once as a
// goroutine; it exits on Shutdown.
func (r *Registry) Watchdog() {
	defer close(r.watchdogDone)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.watchdogStop:
			return
		case <-ticker.C:
			r.reapTimedOut()
		}
	}
}

func (r *Registry) reapTimedOut() {
	ctx := context.Background()
	expired, err := r.store.TimedOutJobs(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("watchdog scan failed", "error", err)
		return
	}
	for _, job := range expired {
		r.mu.Lock()
		rj, live := r.running[job.ID]
		r.mu.Unlock()
		if live {
			rj.cancel.Set()
		}
		if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, "Timeout exceeded"); err != nil {
			r.logger.Error("watchdog status write failed", "job_id", job.ID, "error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.JobsCompleted.WithLabelValues(string(job.Type), string(models.JobFailed)).Inc()
		}
		r.broadcast(job.UserID, models.Frame(models.WSJobFailed, job.ID, map[string]any{
			"status": models.JobFailed,
			"error":  "Timeout exceeded",
		}))
		r.logger.Warn("job timed out", "job_id", job.ID, "job_type", job.Type)
	}
}

// Shutdown stops the watchdog, cancels in-flight handlers, waits briefly for
// their cleanup, then force-marks anything still running as interrupted.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.shuttingDown = true
	inflight := make([]*runningJob, 0, len(r.running))
	for _, rj := range r.running {
		inflight = append(inflight, rj)
	}
	r.mu.Unlock()

	close(r.watchdogStop)
	<-r.watchdogDone

	for _, rj := range inflight {
		rj.cancel.Set()
	}

	deadline := time.After(shutdownGrace)
	for _, rj := range inflight {
		select {
		case <-rj.done:
		case <-deadline:
			goto flush
		}
	}
flush:
	if n, err := r.store.ReconcileInterrupted(ctx, 0); err != nil {
		r.logger.Error("shutdown reconcile failed", "error", err)
	} else if n > 0 {
		r.logger.Info("marked unfinished jobs interrupted", "count", n)
	}
}
