package gateway

import (
	"net/http"

	"github.com/haasonsaas/gauntlet/internal/auth"
)

func (s *Server) handleBenchmarkHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	runs, err := s.store.ListBenchmarkRuns(r.Context(), user.ID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleBenchmarkRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	run, err := s.store.GetBenchmarkRun(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.store.ListBenchmarkResults(r.Context(), run.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "results": results})
}

func (s *Server) handleDeleteBenchmarkRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteBenchmarkRun(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

func (s *Server) handleToolEvalHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	runs, err := s.store.ListToolEvalRuns(r.Context(), user.ID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleToolEvalRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	run, err := s.store.GetToolEvalRun(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.store.ListCaseResults(r.Context(), run.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "results": results})
}

func (s *Server) handleDeleteToolEvalRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteToolEvalRun(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

func (s *Server) handleParamTuneHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	runs, err := s.store.ListParamTuneRuns(r.Context(), user.ID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleParamTuneRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	run, err := s.store.GetParamTuneRun(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	combos, err := s.store.ListParamTuneCombos(r.Context(), run.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "combos": combos})
}

func (s *Server) handlePromptTuneHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	runs, err := s.store.ListPromptTuneRuns(r.Context(), user.ID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handlePromptTuneRun(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	run, err := s.store.GetPromptTuneRun(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	gens, candidates, err := s.store.ListPromptGenerations(r.Context(), run.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"generations": gens,
		"candidates":  candidates,
	})
}

func (s *Server) handleJudgeReports(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	reports, err := s.store.ListJudgeReports(r.Context(), user.ID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleJudgeReport(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	report, err := s.store.GetJudgeReport(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	verdicts, err := s.store.ListJudgeVerdicts(r.Context(), report.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	chain, err := s.store.ReportVersionChain(r.Context(), user.ID, report.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   report,
		"verdicts": verdicts,
		"versions": chain,
	})
}
