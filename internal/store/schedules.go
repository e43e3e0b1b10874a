package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateSchedule stores a recurring job submission.
func (s *Store) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, user_id, job_type, cron_expr, params_json, enabled, last_run_at, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.JobType, sc.CronExpr, sc.ParamsJSON,
		boolToInt(sc.Enabled), fmtNullTime(sc.LastRunAt), fmtTime(sc.CreatedAt))
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// ListSchedules returns a user's schedules. Pass enabledOnly to restrict to
// active ones; the cron loader does.
func (s *Store) ListSchedules(ctx context.Context, userID string, enabledOnly bool) ([]*models.Schedule, error) {
	query := `SELECT id, user_id, job_type, cron_expr, params_json, enabled, last_run_at, created_at
		FROM schedules`
	var args []any
	var where []string
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if enabledOnly {
		where = append(where, "enabled = 1")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		var sc models.Schedule
		var enabled int
		var lastRun sql.NullString
		var createdAt string
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.JobType, &sc.CronExpr, &sc.ParamsJSON,
			&enabled, &lastRun, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled == 1
		sc.LastRunAt = parseNullTime(lastRun)
		sc.CreatedAt = parseTime(createdAt)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// GetSchedule returns one schedule owned by the user.
func (s *Store) GetSchedule(ctx context.Context, userID, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, cron_expr, params_json, enabled, last_run_at, created_at
		FROM schedules WHERE id = ? AND user_id = ?`, id, userID)
	var sc models.Schedule
	var enabled int
	var lastRun sql.NullString
	var createdAt string
	if err := row.Scan(&sc.ID, &sc.UserID, &sc.JobType, &sc.CronExpr, &sc.ParamsJSON,
		&enabled, &lastRun, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	sc.Enabled = enabled == 1
	sc.LastRunAt = parseNullTime(lastRun)
	sc.CreatedAt = parseTime(createdAt)
	return &sc, nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, userID, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ? AND user_id = ?`,
		boolToInt(enabled), id, userID)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSchedule records the most recent firing time.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("touch schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
