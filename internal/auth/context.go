package auth

import (
	"context"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// identityKey is unexported: only Middleware populates the request identity,
// after the bearer access token (or WebSocket query token) validates.
type identityKey struct{}

// WithUser returns a context carrying the authenticated user. A nil user
// leaves the context untouched, which reads downstream as unauthenticated.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, user)
}

// UserFromContext returns the request's authenticated user. Every store row
// is scoped by user id, so handlers resolve identity through this before
// touching suites, runs, or reports. Behind Middleware the ok result is
// always true; the WebSocket upgrade path checks it explicitly.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(identityKey{}).(*models.User)
	return user, ok
}
