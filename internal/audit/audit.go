// Package audit records user-visible actions into the audit_log table.
// Writes are best effort: a failed audit write is logged and dropped, it
// never fails the request that triggered it.
package audit

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/gauntlet/internal/store"
)

type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Record appends one event. UserID may be empty for system actions; the row
// survives user deletion.
func (r *Recorder) Record(ctx context.Context, userID, action, resource, detail string) {
	ev := &store.AuditEvent{
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Detail:   detail,
	}
	if err := r.store.AppendAudit(ctx, ev); err != nil {
		r.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
