// Package hub fans job events out to a user's WebSocket connections and
// feeds inbound control messages (ping, cancel) back to the registry.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/gauntlet/internal/observability"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// MaxConnsPerUser caps simultaneous sockets per user; the sixth dial is
// rejected before the upgrade completes its handshake frame.
const MaxConnsPerUser = 5

// SyncRecentLimit bounds the terminal jobs included in the sync frame.
const SyncRecentLimit = 10

// Canceller delegates cancel messages; the job registry installs itself here.
type Canceller interface {
	Cancel(ctx context.Context, jobID, requesterID string, isAdmin bool) error
}

// Hub tracks user_id → set of connections. Delivery is best effort: a slow
// or errored socket is dropped without blocking its peers.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}

	store     *store.Store
	canceller Canceller
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New builds a hub bound to the store for sync snapshots.
func New(st *store.Store, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]map[*Conn]struct{}),
		store:   st,
		logger:  logger,
		metrics: metrics,
	}
}

// SetCanceller installs the cancel delegate. Done after construction because
// the registry needs the hub for broadcasts.
func (h *Hub) SetCanceller(c Canceller) {
	h.canceller = c
}

// Register adopts an upgraded socket for the user. The sync frame goes out
// before any event so a reconnecting tab rebuilds state without replay.
func (h *Hub) Register(ctx context.Context, user *models.User, conn *Conn) error {
	h.mu.Lock()
	set := h.conns[user.ID]
	if len(set) >= MaxConnsPerUser {
		h.mu.Unlock()
		return ErrTooManyConnections
	}
	if set == nil {
		set = make(map[*Conn]struct{})
		h.conns[user.ID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}

	sync, err := h.buildSync(ctx, user.ID)
	if err != nil {
		h.logger.Warn("sync frame build failed", "user_id", user.ID, "error", err)
	} else {
		conn.enqueue(sync)
	}

	conn.start(h, user)
	return nil
}

func (h *Hub) unregister(userID string, conn *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[userID]; ok {
		if _, present := set[conn]; present {
			delete(set, conn)
			if h.metrics != nil {
				h.metrics.WSConnections.Dec()
			}
		}
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
	h.mu.Unlock()
}

// SendToUser serializes the frame once and pushes it to every connection the
// user holds. Within one connection, frames from the same producer keep
// their order; nothing is promised across connections.
func (h *Hub) SendToUser(userID string, frame models.WSFrame) {
	data, err := json.Marshal(frame.MarshalFields())
	if err != nil {
		h.logger.Warn("frame marshal failed", "type", frame.Type, "error", err)
		return
	}

	h.mu.RLock()
	set := h.conns[userID]
	targets := make([]*Conn, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(data)
	}
	if h.metrics != nil && len(targets) > 0 {
		h.metrics.WSMessagesSent.WithLabelValues(frame.Type).Add(float64(len(targets)))
	}
}

// ConnCount reports the user's live connection count.
func (h *Hub) ConnCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// CloseAll tears down every connection; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Conn
	for _, set := range h.conns {
		for conn := range set {
			all = append(all, conn)
		}
	}
	h.conns = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	for _, conn := range all {
		conn.shutdown()
	}
}

func (h *Hub) buildSync(ctx context.Context, userID string) ([]byte, error) {
	active, err := h.store.ActiveJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := h.store.RecentTerminalJobs(ctx, userID, SyncRecentLimit)
	if err != nil {
		return nil, err
	}
	if active == nil {
		active = []*models.Job{}
	}
	if recent == nil {
		recent = []*models.Job{}
	}
	return json.Marshal(map[string]any{
		"type":        models.WSSync,
		"active_jobs": active,
		"recent_jobs": recent,
	})
}

func (h *Hub) handleCancel(ctx context.Context, user *models.User, jobID string) {
	if h.canceller == nil || jobID == "" {
		return
	}
	if err := h.canceller.Cancel(ctx, jobID, user.ID, user.IsAdmin()); err != nil {
		h.logger.Warn("ws cancel rejected", "job_id", jobID, "user_id", user.ID, "error", err)
	}
}
