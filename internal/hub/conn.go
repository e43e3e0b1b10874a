package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// ErrTooManyConnections is returned when a user is already at the cap.
var ErrTooManyConnections = errors.New("too many connections")

const (
	// Clients must send a keep-alive at least every 60s; the read deadline
	// gives them 90s of slack before the socket closes.
	readWait  = 90 * time.Second
	writeWait = 10 * time.Second

	maxInboundBytes = 1 << 16
	sendBufferSize  = 64

	// closeKeepAliveTimeout is the distinct close code for a missed
	// keep-alive, so clients can tell liveness eviction from other closes.
	closeKeepAliveTimeout = 4000
)

// Conn is one socket plus its buffered outbound queue. A full queue drops
// the frame rather than blocking the broadcaster.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// inboundMessage is the client→server vocabulary: ping and cancel.
type inboundMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

func (c *Conn) start(h *Hub, user *models.User) {
	go c.writeLoop()
	go c.readLoop(h, user)
}

func (c *Conn) readLoop(h *Hub, user *models.User) {
	defer func() {
		h.unregister(user.ID, c)
		c.shutdown()
	}()

	c.ws.SetReadLimit(maxInboundBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.closeWith(closeKeepAliveTimeout, "keep-alive timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			c.enqueueJSON(map[string]any{"type": models.WSPong})
		case "cancel":
			h.handleCancel(context.Background(), user, msg.JobID)
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// enqueue queues an already-serialized frame; on a full buffer the frame is
// dropped so one stuck socket cannot stall fan-out.
func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

func (c *Conn) enqueueJSON(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
