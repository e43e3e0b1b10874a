package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

type fakeCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCanceller) Cancel(_ context.Context, jobID, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return nil
}

func (f *fakeCanceller) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testRig struct {
	hub    *Hub
	store  *store.Store
	user   *models.User
	server *httptest.Server
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user := &models.User{ID: uuid.NewString(), Email: "ws@example.com", Role: models.RoleUser, CreatedAt: time.Now()}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	h := New(st, slog.New(slog.DiscardHandler), nil)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := h.Register(r.Context(), user, NewConn(ws)); err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(h.CloseAll)

	return &testRig{hub: h, store: st, user: user, server: server}
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestSyncFrameOnConnect(t *testing.T) {
	rig := newRig(t)

	job := &models.Job{ID: uuid.NewString(), UserID: rig.user.ID, Type: models.JobBenchmark,
		Status: models.JobRunning, CreatedAt: time.Now().UTC(), TimeoutAt: time.Now().Add(time.Hour)}
	if err := rig.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	ws := rig.dial(t)
	frame := readFrame(t, ws)
	if frame["type"] != models.WSSync {
		t.Fatalf("first frame type = %v, want sync", frame["type"])
	}
	active, ok := frame["active_jobs"].([]any)
	if !ok || len(active) != 1 {
		t.Fatalf("active_jobs = %v, want one entry", frame["active_jobs"])
	}
}

func TestPingPong(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)
	readFrame(t, ws) // sync

	if err := ws.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	frame := readFrame(t, ws)
	if frame["type"] != models.WSPong {
		t.Fatalf("frame type = %v, want pong", frame["type"])
	}
}

func TestConnectionCap(t *testing.T) {
	rig := newRig(t)

	for i := 0; i < MaxConnsPerUser; i++ {
		ws := rig.dial(t)
		readFrame(t, ws)
	}
	if n := rig.hub.ConnCount(rig.user.ID); n != MaxConnsPerUser {
		t.Fatalf("conn count = %d, want %d", n, MaxConnsPerUser)
	}

	// The sixth socket is closed by the server instead of receiving sync.
	extra := rig.dial(t)
	_ = extra.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := extra.ReadMessage()
	if err == nil {
		t.Fatal("expected close on sixth connection")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want policy violation", err)
	}
}

func TestFanOutToAllConnections(t *testing.T) {
	rig := newRig(t)
	a := rig.dial(t)
	b := rig.dial(t)
	readFrame(t, a)
	readFrame(t, b)

	// Registration is synchronous, frames may race the read loop start; wait
	// for both conns to be tracked.
	deadline := time.Now().Add(2 * time.Second)
	for rig.hub.ConnCount(rig.user.ID) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rig.hub.SendToUser(rig.user.ID, models.Frame(models.WSJobStarted, "job-1", map[string]any{"pct": 0}))

	for _, ws := range []*websocket.Conn{a, b} {
		frame := readFrame(t, ws)
		if frame["type"] != models.WSJobStarted || frame["job_id"] != "job-1" {
			t.Fatalf("frame = %v", frame)
		}
	}
}

func TestCancelDelegation(t *testing.T) {
	rig := newRig(t)
	canceller := &fakeCanceller{}
	rig.hub.SetCanceller(canceller)

	ws := rig.dial(t)
	readFrame(t, ws)

	if err := ws.WriteJSON(map[string]any{"type": "cancel", "job_id": "job-42"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := canceller.cancelled(); len(calls) == 1 && calls[0] == "job-42" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cancel not delegated, calls = %v", canceller.cancelled())
}

func TestOrderingWithinConnection(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)
	readFrame(t, ws)

	for i := 0; i < 10; i++ {
		rig.hub.SendToUser(rig.user.ID, models.Frame(models.WSJobProgress, "job-1", map[string]any{"pct": i}))
	}
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if int(frame["pct"].(float64)) != i {
			t.Fatalf("frame %d out of order: %v", i, frame)
		}
	}
}
