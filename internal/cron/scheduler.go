// Package cron turns stored Schedule rows into recurring job submissions.
// Each enabled schedule becomes one cron entry that re-submits the stored
// params on its expression.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// Submitter is the registry surface the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, jobType models.JobType, userID, paramsJSON string, timeout time.Duration, detail string) (*models.Job, error)
}

type Scheduler struct {
	store     *store.Store
	submitter Submitter
	logger    *slog.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule id -> cron entry
}

func New(st *store.Store, sub Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		submitter: sub,
		logger:    logger,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start syncs entries with the database and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts firing and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the enabled schedules. Gateways call it
// after schedule mutations; Start calls it once.
func (s *Scheduler) Sync(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, "", true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]*models.Schedule, len(schedules))
	for _, sc := range schedules {
		want[sc.ID] = sc
	}
	for id, entry := range s.entries {
		if _, ok := want[id]; !ok {
			s.cron.Remove(entry)
			delete(s.entries, id)
		}
	}
	for id, sc := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		sc := sc
		entry, err := s.cron.AddFunc(sc.CronExpr, func() { s.fire(sc) })
		if err != nil {
			s.logger.Warn("schedule has invalid cron expression",
				"schedule_id", sc.ID, "expr", sc.CronExpr, "error", err)
			continue
		}
		s.entries[id] = entry
	}
	return nil
}

// fire re-submits the stored payload. Rate-limit rejections and submit
// failures are logged, never retried; the next tick tries again.
func (s *Scheduler) fire(sc *models.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.TouchSchedule(ctx, sc.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("schedule touch failed", "schedule_id", sc.ID, "error", err)
	}
	job, err := s.submitter.Submit(ctx, sc.JobType, sc.UserID, sc.ParamsJSON, 0, "scheduled")
	if err != nil {
		s.logger.Warn("scheduled submit failed",
			"schedule_id", sc.ID, "job_type", sc.JobType, "error", err)
		return
	}
	s.logger.Info("schedule fired",
		"schedule_id", sc.ID, "job_id", job.ID, "job_type", sc.JobType)
}
