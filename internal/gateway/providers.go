package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	providers, err := s.store.ListProviders(r.Context(), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name,omitempty"`
		APIBase     string `json:"api_base,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "provider key required")
		return
	}

	p := &models.Provider{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Key:         req.Key,
		DisplayName: req.DisplayName,
		APIBase:     req.APIBase,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateProvider(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteProvider(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if !s.ownsProvider(w, r, user.ID, r.PathValue("id")) {
		return
	}
	ms, err := s.store.ListModels(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": ms})
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	providerID := r.PathValue("id")
	if !s.ownsProvider(w, r, user.ID, providerID) {
		return
	}

	var req struct {
		LiteLLMID       string   `json:"litellm_id"`
		DisplayName     string   `json:"display_name,omitempty"`
		ContextWindow   int      `json:"context_window,omitempty"`
		MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
		SkipParams      []string `json:"skip_params,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.LiteLLMID) == "" {
		writeError(w, http.StatusBadRequest, "litellm_id required")
		return
	}

	m := &models.Model{
		ID:              uuid.NewString(),
		ProviderID:      providerID,
		LiteLLMID:       req.LiteLLMID,
		DisplayName:     req.DisplayName,
		ContextWindow:   req.ContextWindow,
		MaxOutputTokens: req.MaxOutputTokens,
		SkipParams:      req.SkipParams,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateModel(r.Context(), m); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ownsProvider writes the error response itself when the provider does not
// belong to the user.
func (s *Server) ownsProvider(w http.ResponseWriter, r *http.Request, userID, providerID string) bool {
	providers, err := s.store.ListProviders(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	for _, p := range providers {
		if p.ID == providerID {
			return true
		}
	}
	writeError(w, http.StatusNotFound, "not found")
	return false
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	schedules, err := s.store.ListSchedules(r.Context(), user.ID, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		JobType    models.JobType `json:"job_type"`
		CronExpr   string         `json:"cron_expr"`
		ParamsJSON string         `json:"params_json"`
		Enabled    *bool          `json:"enabled,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := cron.ParseStandard(req.CronExpr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron expression")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sc := &models.Schedule{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		JobType:    req.JobType,
		CronExpr:   req.CronExpr,
		ParamsJSON: req.ParamsJSON,
		Enabled:    enabled,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateSchedule(r.Context(), sc); err != nil {
		s.fail(w, r, err)
		return
	}
	s.syncScheduler(r)
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleSetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetScheduleEnabled(r.Context(), user.ID, r.PathValue("id"), req.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	s.syncScheduler(r)
	ok(w)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteSchedule(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.syncScheduler(r)
	ok(w)
}

func (s *Server) syncScheduler(r *http.Request) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Sync(r.Context()); err != nil {
		s.logger.Warn("scheduler sync failed", "error", err)
	}
}
