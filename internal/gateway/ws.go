package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens gate the endpoint, not origins. CLI clients send none.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, gotUser := auth.UserFromContext(r.Context())
	if !gotUser {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := hub.NewConn(ws)
	if err := s.hub.Register(r.Context(), user, conn); err != nil {
		if errors.Is(err, hub.ErrTooManyConnections) {
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"))
		}
		ws.Close()
		return
	}
}
