// Package jobs is the in-memory job registry: it owns submission, queueing,
// concurrency slots, cancellation, the timeout watchdog and shutdown. All
// durable job state lives in the store; the registry only tracks what must
// not survive a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/hub"
	"github.com/haasonsaas/gauntlet/internal/observability"
	"github.com/haasonsaas/gauntlet/internal/ratelimit"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

var (
	// ErrUnknownJobType is returned when no handler is registered.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNotFound is returned for cancel requests against unknown jobs.
	ErrNotFound = errors.New("job not found")

	// ErrForbidden is returned when the requester does not own the job.
	ErrForbidden = errors.New("not job owner")

	// ErrNotCancellable is returned for terminal jobs that need no cleanup.
	ErrNotCancellable = errors.New("job already finished")
)

// maxErrorLen truncates handler failure messages before persistence.
const maxErrorLen = 500

const watchdogInterval = 60 * time.Second

// shutdownGrace is how long Shutdown waits for cancelled handlers to run
// their cleanup before force-marking rows interrupted.
const shutdownGrace = 500 * time.Millisecond

type runningJob struct {
	userID string
	cancel *CancelEvent
	done   chan struct{}
}

// Registry maps job types to handlers and owns the per-user slot accounting.
type Registry struct {
	mu       sync.Mutex
	running  map[string]*runningJob
	slots    map[string]int
	handlers map[models.JobType]Handler

	// promoteMu serializes queue promotion so two finishing peers cannot
	// both fetch the same queued job.
	promoteMu sync.Mutex

	store   *store.Store
	hub     *hub.Hub
	policy  *ratelimit.Policy
	logger  *slog.Logger
	metrics *observability.Metrics

	watchdogStop chan struct{}
	watchdogDone chan struct{}
	shuttingDown bool
}

// NewRegistry builds a registry and installs it as the hub's canceller.
func NewRegistry(st *store.Store, h *hub.Hub, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		running:      make(map[string]*runningJob),
		slots:        make(map[string]int),
		handlers:     make(map[models.JobType]Handler),
		store:        st,
		hub:          h,
		logger:       logger,
		metrics:      metrics,
		watchdogStop: make(chan struct{}),
		watchdogDone: make(chan struct{}),
	}
	r.policy = ratelimit.NewPolicy(st, r.RunningCount)
	if h != nil {
		h.SetCanceller(r)
	}
	return r
}

// Register binds a handler to a job type. Registration happens at startup,
// before Serve, so no locking is needed by callers.
func (r *Registry) Register(jobType models.JobType, handler Handler) {
	r.mu.Lock()
	r.handlers[jobType] = handler
	r.mu.Unlock()
}

// RunningCount reports the user's live slot usage for the rate policy.
func (r *Registry) RunningCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[userID]
}

// Submit validates limits, persists the job as pending or queued, and starts
// it when a slot is free. ratelimit.ErrHourlyLimit passes through for the
// gateway to map to 429.
func (r *Registry) Submit(ctx context.Context, jobType models.JobType, userID, paramsJSON string, timeout time.Duration, detail string) (*models.Job, error) {
	r.mu.Lock()
	_, known := r.handlers[jobType]
	r.mu.Unlock()
	if !known {
		return nil, ErrUnknownJobType
	}

	if _, err := r.policy.Check(ctx, userID); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = models.DefaultJobTimeout
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           jobType,
		ParamsJSON:     paramsJSON,
		ProgressDetail: detail,
		TimeoutSeconds: int(timeout.Seconds()),
		CreatedAt:      time.Now().UTC(),
	}

	// The check-and-decide step holds the mutex and reserves the slot in
	// the same critical section, so two submissions cannot both observe a
	// free slot.
	limit := r.policy.MaxConcurrent(ctx, userID)
	r.mu.Lock()
	if r.slots[userID] >= limit {
		job.Status = models.JobQueued
	} else {
		job.Status = models.JobPending
		r.slots[userID]++
	}
	r.mu.Unlock()

	if err := r.store.CreateJob(ctx, job); err != nil {
		if job.Status == models.JobPending {
			r.releaseSlot(userID)
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if r.metrics != nil {
		r.metrics.JobsSubmitted.WithLabelValues(string(jobType), string(job.Status)).Inc()
		if job.Status == models.JobQueued {
			r.metrics.QueuedJobs.Inc()
		}
	}
	r.broadcast(job.UserID, models.Frame(models.WSJobCreated, job.ID, map[string]any{
		"job_type": job.Type,
		"status":   job.Status,
	}))

	if job.Status == models.JobPending {
		r.startJob(job)
	}
	return job, nil
}

// SetResultRef publishes a result reference for a running job.
func (r *Registry) SetResultRef(ctx context.Context, jobID, ref string) error {
	return r.store.SetJobResultRef(ctx, jobID, ref)
}

// startJob assumes the caller already reserved the user's slot.
func (r *Registry) startJob(job *models.Job) {
	ctx := context.Background()

	r.mu.Lock()
	handler, ok := r.handlers[job.Type]
	r.mu.Unlock()
	if !ok {
		r.releaseSlot(job.UserID)
		r.finalize(job, models.JobFailed, "", "no handler registered")
		return
	}

	cancel := NewCancelEvent()
	rj := &runningJob{userID: job.UserID, cancel: cancel, done: make(chan struct{})}

	now := time.Now().UTC()
	timeoutAt := now.Add(time.Duration(job.TimeoutSeconds) * time.Second)
	if err := r.store.MarkJobRunning(ctx, job.ID, now, timeoutAt); err != nil {
		r.logger.Error("mark running failed", "job_id", job.ID, "error", err)
		r.releaseSlot(job.UserID)
		r.finalize(job, models.JobFailed, "", "failed to start")
		return
	}
	job.Status = models.JobRunning

	r.mu.Lock()
	r.running[job.ID] = rj
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSlots.Inc()
	}

	r.broadcast(job.UserID, models.Frame(models.WSJobStarted, job.ID, map[string]any{
		"job_type": job.Type,
	}))

	go r.run(job, rj, handler)
}

func (r *Registry) run(job *models.Job, rj *runningJob, handler Handler) {
	defer func() {
		// Guaranteed cleanup regardless of exit path: free the slot, then
		// promote queued peers.
		r.mu.Lock()
		delete(r.running, job.ID)
		if r.slots[job.UserID] > 0 {
			r.slots[job.UserID]--
		}
		if r.slots[job.UserID] == 0 {
			delete(r.slots, job.UserID)
		}
		shuttingDown := r.shuttingDown
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ActiveSlots.Dec()
		}
		close(rj.done)
		if !shuttingDown {
			r.processQueue(job.UserID)
		}
	}()

	progress := func(pct int, detail string) {
		if err := r.store.SetJobProgress(context.Background(), job.ID, pct, detail); err != nil {
			r.logger.Warn("progress write failed", "job_id", job.ID, "error", err)
		}
		r.broadcast(job.UserID, models.Frame(models.WSJobProgress, job.ID, map[string]any{
			"pct":    pct,
			"detail": detail,
		}))
	}

	resultRef, err := handler(context.Background(), job, rj.cancel, progress)

	r.mu.Lock()
	down := r.shuttingDown
	r.mu.Unlock()

	switch {
	case down:
		// Shutdown cancellation records interrupted, not cancelled: nobody
		// asked for these jobs to stop.
		r.finalize(job, models.JobInterrupted, resultRef, "")
	case rj.cancel.Fired():
		r.finalize(job, models.JobCancelled, resultRef, "")
	case errors.Is(err, context.Canceled):
		r.finalize(job, models.JobInterrupted, resultRef, "")
	case err != nil:
		r.finalize(job, models.JobFailed, resultRef, truncate(err.Error(), maxErrorLen))
	default:
		r.finalize(job, models.JobDone, resultRef, "")
	}
}

func (r *Registry) finalize(job *models.Job, status models.JobStatus, resultRef, errMsg string) {
	ctx := context.Background()
	if resultRef != "" {
		if err := r.store.SetJobResultRef(ctx, job.ID, resultRef); err != nil {
			r.logger.Warn("result ref write failed", "job_id", job.ID, "error", err)
		}
	}
	if err := r.store.UpdateJobStatus(ctx, job.ID, status, errMsg); err != nil {
		r.logger.Error("terminal status write failed", "job_id", job.ID, "status", status, "error", err)
	}
	if r.metrics != nil {
		r.metrics.JobsCompleted.WithLabelValues(string(job.Type), string(status)).Inc()
	}

	frameType := map[models.JobStatus]string{
		models.JobDone:        models.WSJobCompleted,
		models.JobFailed:      models.WSJobFailed,
		models.JobCancelled:   models.WSJobCancelled,
		models.JobInterrupted: models.WSJobFailed,
	}[status]
	if frameType == "" {
		frameType = models.WSJobFailed
	}
	payload := map[string]any{"status": status}
	if resultRef != "" {
		payload["result_ref"] = resultRef
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	r.broadcast(job.UserID, models.Frame(frameType, job.ID, payload))
}

// processQueue promotes the user's oldest queued jobs until the concurrency
// limit is reached or the queue drains.
func (r *Registry) processQueue(userID string) {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	ctx := context.Background()
	limit := r.policy.MaxConcurrent(ctx, userID)
	for {
		r.mu.Lock()
		if r.shuttingDown || r.slots[userID] >= limit {
			r.mu.Unlock()
			return
		}
		r.slots[userID]++
		r.mu.Unlock()

		job, err := r.store.OldestQueuedJob(ctx, userID)
		if err != nil {
			r.releaseSlot(userID)
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Error("queue scan failed", "user_id", userID, "error", err)
			}
			return
		}
		if r.metrics != nil {
			r.metrics.QueuedJobs.Dec()
		}
		r.startJob(job)
	}
}

func (r *Registry) releaseSlot(userID string) {
	r.mu.Lock()
	if r.slots[userID] > 0 {
		r.slots[userID]--
	}
	if r.slots[userID] == 0 {
		delete(r.slots, userID)
	}
	r.mu.Unlock()
}

func (r *Registry) broadcast(userID string, frame models.WSFrame) {
	if r.hub != nil {
		r.hub.SendToUser(userID, frame)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
