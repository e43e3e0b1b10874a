package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/internal/experiments"
	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/ratelimit"
	"github.com/haasonsaas/gauntlet/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope every endpoint shares.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErrorCode satisfies the auth middleware's onError signature; the code
// is folded into the envelope message.
func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeError(w, status, msg)
}

// fail maps domain errors onto the status taxonomy. Unmapped errors are
// internal: logged in full, surfaced short.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, experiments.ErrNoResults):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, jobs.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, ratelimit.ErrHourlyLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, jobs.ErrUnknownJobType),
		errors.Is(err, experiments.ErrSuiteMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody parses a JSON request body into dst; a failure is a validation
// error the caller reports as 400.
func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
