package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	exps, err := s.store.ListExperiments(r.Context(), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": exps})
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		Name    string `json:"name"`
		SuiteID string `json:"suite_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.SuiteID == "" {
		writeError(w, http.StatusBadRequest, "name and suite_id required")
		return
	}
	// The suite must exist and belong to the caller.
	if _, err := s.store.GetSuite(r.Context(), user.ID, req.SuiteID); err != nil {
		s.fail(w, r, err)
		return
	}

	exp := &models.Experiment{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		SuiteID:   req.SuiteID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateExperiment(r.Context(), exp); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "experiment.create", "experiment:"+exp.ID, exp.Name)
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	exp, err := s.store.GetExperiment(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req struct {
		EvalRunID string `json:"eval_run_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.EvalRunID == "" {
		writeError(w, http.StatusBadRequest, "eval_run_id required")
		return
	}
	if err := s.coord.PinBaseline(r.Context(), user.ID, r.PathValue("id"), req.EvalRunID); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	entries, err := s.coord.Timeline(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

// handleRunBest re-submits a tool eval carrying the experiment's best
// configuration. The caller supplies the model selection; the best config
// supplies tool_choice, params and system prompt.
func (s *Server) handleRunBest(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	exp, err := s.store.GetExperiment(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if exp.BestConfigJSON == "" {
		writeError(w, http.StatusConflict, "experiment has no best configuration yet")
		return
	}

	var sel struct {
		Models   []json.RawMessage `json:"models,omitempty"`
		ModelIDs []string          `json:"model_ids,omitempty"`
	}
	if err := decodeBody(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(sel.Models) == 0 && len(sel.ModelIDs) == 0 {
		writeError(w, http.StatusBadRequest, "models or model_ids required")
		return
	}

	var best struct {
		ToolChoice   string         `json:"tool_choice,omitempty"`
		Params       map[string]any `json:"params,omitempty"`
		SystemPrompt string         `json:"system_prompt,omitempty"`
	}
	if err := json.Unmarshal([]byte(exp.BestConfigJSON), &best); err != nil {
		s.fail(w, r, err)
		return
	}

	payload := map[string]any{
		"suite_id":      exp.SuiteID,
		"experiment_id": exp.ID,
		"tool_choice":   best.ToolChoice,
		"params":        best.Params,
		"system_prompt": best.SystemPrompt,
	}
	if len(sel.Models) > 0 {
		payload["models"] = sel.Models
	} else {
		payload["model_ids"] = sel.ModelIDs
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	job, err := s.registry.Submit(r.Context(), models.JobToolEval, user.ID, string(raw), 0, "run-best")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "experiment.run_best", "experiment:"+exp.ID, job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": "submitted",
	})
}
