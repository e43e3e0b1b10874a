package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent is one row of the append-only action trail.
type AuditEvent struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	Detail    string
	CreatedAt time.Time
}

// AppendAudit records an action. Audit writes are best effort; callers log
// and drop the error rather than failing the request.
func (s *Store) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action, resource, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		ev.ID, nullStr(ev.UserID), ev.Action, ev.Resource, ev.Detail, fmtTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest events, optionally filtered by user.
func (s *Store) ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, COALESCE(user_id, ''), action, resource, detail, created_at
		FROM audit_log`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Action, &ev.Resource, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
