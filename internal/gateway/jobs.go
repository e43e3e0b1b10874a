package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

const maxSubmitBody = 1 << 20

// submitJob returns a handler that forwards the raw JSON body as the job's
// params. Validation beyond well-formedness happens in the job handler, which
// owns the payload schema.
func (s *Server) submitJob(jobType models.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "request body must be JSON")
			return
		}

		job, err := s.registry.Submit(r.Context(), jobType, user.ID, string(body), 0, "")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.audit.Record(r.Context(), user.ID, "job.submit", "job:"+job.ID, string(jobType))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"status": "submitted",
		})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobs, err := s.store.ListJobs(r.Context(), user.ID, status, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.UserID != user.ID && !user.IsAdmin() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	outcome, err := s.registry.CancelJob(r.Context(), r.PathValue("id"), user.ID, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "job.cancel", "job:"+r.PathValue("id"), "")
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobs, err := s.store.ListJobs(r.Context(), "", status, queryLimit(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAdminCancelJob(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	outcome, err := s.registry.CancelJob(r.Context(), r.PathValue("id"), user.ID, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "admin.job.cancel", "job:"+r.PathValue("id"), "")
	writeJSON(w, http.StatusOK, outcome)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	var n int
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
		if n > 1000 {
			return 1000
		}
	}
	if n <= 0 {
		return def
	}
	return n
}
