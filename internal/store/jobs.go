package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

const jobColumns = `id, user_id, job_type, status, progress_pct, progress_detail,
	params_json, result_ref, error, timeout_seconds, created_at, started_at, completed_at, timeout_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var resultRef sql.NullString
	var createdAt string
	var startedAt, completedAt, timeoutAt sql.NullString
	if err := row.Scan(
		&j.ID, &j.UserID, &j.Type, &j.Status, &j.ProgressPct, &j.ProgressDetail,
		&j.ParamsJSON, &resultRef, &j.Error, &j.TimeoutSeconds,
		&createdAt, &startedAt, &completedAt, &timeoutAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ResultRef = resultRef.String
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.TimeoutAt = parseNullTime(timeoutAt)
	return &j, nil
}

// CreateJob persists a new job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is required")
	}
	if job.ParamsJSON == "" {
		job.ParamsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, job_type, status, progress_pct, progress_detail,
			params_json, result_ref, error, timeout_seconds, created_at, started_at, completed_at, timeout_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.UserID, job.Type, job.Status, job.ProgressPct, job.ProgressDetail,
		job.ParamsJSON, nullStr(job.ResultRef), job.Error, job.TimeoutSeconds,
		fmtTime(job.CreatedAt), fmtNullTime(job.StartedAt), fmtNullTime(job.CompletedAt), fmtNullTime(job.TimeoutAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJobStatus transitions a job. Transitions outside the allowed
// relation log a warning but the write is still accepted. Terminal
// transitions set completed_at; timeout_at is cleared whenever the job
// leaves running so it stays non-null iff status = running.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, to models.JobStatus, errMsg string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !models.TransitionAllowed(job.Status, to) && job.Status != to {
		s.logger.Warn("job status transition violates allowed relation",
			"job_id", id, "from", string(job.Status), "to", string(to))
	}

	now := time.Now().UTC()
	var completedAt any
	if to.IsTerminal() {
		completedAt = fmtTime(now)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?,
			completed_at = COALESCE(?, completed_at),
			timeout_at = CASE WHEN ? = 'running' THEN timeout_at ELSE NULL END
		WHERE id = ?`,
		to, errMsg, completedAt, to, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// MarkJobRunning records the running transition with its deadline bookkeeping.
func (s *Store) MarkJobRunning(ctx context.Context, id string, startedAt time.Time, timeoutAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', started_at = ?, timeout_at = ? WHERE id = ?`,
		fmtTime(startedAt), fmtTime(timeoutAt), id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

// SetJobProgress is fire-and-forget from handlers; failures are logged by
// callers, never raised into the handler body.
func (s *Store) SetJobProgress(ctx context.Context, id string, pct int, detail string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_pct = ?, progress_detail = ? WHERE id = ?`, pct, detail, id)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// SetJobResultRef publishes a discoverable result reference. Handlers call
// this as soon as the ref is known, typically before completion, so
// reconnecting clients can bind to partial results.
func (s *Store) SetJobResultRef(ctx context.Context, id, ref string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET result_ref = ? WHERE id = ?`, ref, id)
	if err != nil {
		return fmt.Errorf("set job result ref: %w", err)
	}
	return nil
}

// ListJobs returns a user's jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, userID string, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ActiveJobs returns the user's pending, queued and running jobs, oldest first.
func (s *Store) ActiveJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? AND status IN ('pending','queued','running')
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RecentTerminalJobs returns up to limit most recently finished jobs, used
// to build the sync frame for reconnecting clients.
func (s *Store) RecentTerminalJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? AND status IN ('done','failed','cancelled','interrupted')
		ORDER BY completed_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent terminal jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// OldestQueuedJob returns the next queued job for promotion, or ErrNotFound.
func (s *Store) OldestQueuedJob(ctx context.Context, userID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? AND status = 'queued'
		ORDER BY created_at ASC LIMIT 1`, userID)
	return scanJob(row)
}

// CountJobsSince counts jobs a user created after the cutoff; this is the
// hourly sliding-window input for the rate policy.
func (s *Store) CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE user_id = ? AND created_at > ?`,
		userID, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// TimedOutJobs returns running jobs whose deadline has passed; the watchdog
// fails these.
func (s *Store) TimedOutJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND timeout_at IS NOT NULL AND timeout_at < ?`,
		fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("timed out jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReconcileInterrupted runs at startup: jobs the previous process left in a
// non-terminal status become interrupted, and child run tables that still say
// running and are older than staleAfter follow. In-memory job tracking does
// not survive restarts, so these rows cannot correspond to live work.
func (s *Store) ReconcileInterrupted(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := fmtTime(now.Add(-staleAfter))

	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'interrupted', completed_at = ?, timeout_at = NULL, started_at = started_at
			WHERE status IN ('pending','queued','running')`, fmtTime(now))
		if err != nil {
			return fmt.Errorf("reconcile jobs: %w", err)
		}
		total, _ = res.RowsAffected()

		for _, table := range []string{"param_tune_runs", "prompt_tune_runs", "judge_reports"} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s SET status = 'interrupted'
				WHERE status = 'running' AND created_at < ?`, table), cutoff); err != nil {
				return fmt.Errorf("reconcile %s: %w", table, err)
			}
		}
		return nil
	})
	return total, err
}

// InterruptChildRun transitions a running child run row (param/prompt tune or
// judge report) to interrupted. Used by ghost cleanup when the job row and
// the child table disagree. Returns true when a row actually flipped.
func (s *Store) InterruptChildRun(ctx context.Context, jobType models.JobType, resultRef string) (bool, error) {
	var table string
	switch jobType {
	case models.JobParamTune:
		table = "param_tune_runs"
	case models.JobPromptTune:
		table = "prompt_tune_runs"
	case models.JobJudge, models.JobJudgeCompare:
		table = "judge_reports"
	default:
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'interrupted' WHERE id = ? AND status = 'running'`, table), resultRef)
	if err != nil {
		return false, fmt.Errorf("interrupt child run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
