package gateway

import (
	"net/http"

	"github.com/haasonsaas/gauntlet/internal/auth"
)

// handleLeaderboard serves the public aggregate; no auth required.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *Server) handleGetOptIn(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"opt_in": user.LeaderboardOptIn})
}

func (s *Server) handleSetOptIn(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		OptIn bool `json:"opt_in"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetLeaderboardOptIn(r.Context(), user.ID, req.OptIn); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "leaderboard.opt_in", "user:"+user.ID, boolWord(req.OptIn))
	ok(w)
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
