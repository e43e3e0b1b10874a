// Package gateway is the HTTP surface: auth, job submission, run histories,
// suites, experiments, leaderboard, the WebSocket endpoint and metrics.
// Handlers stay thin; all behavior lives in the packages they call.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/gauntlet/internal/audit"
	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/internal/cron"
	"github.com/haasonsaas/gauntlet/internal/experiments"
	"github.com/haasonsaas/gauntlet/internal/hub"
	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

type Server struct {
	store     *store.Store
	registry  *jobs.Registry
	hub       *hub.Hub
	auth      *auth.Service
	coord     *experiments.Coordinator
	audit     *audit.Recorder
	scheduler *cron.Scheduler
	logger    *slog.Logger

	cookieSecure bool
	logins       *loginLimiter
}

type Options struct {
	CookieSecure bool
}

func New(st *store.Store, reg *jobs.Registry, h *hub.Hub, authSvc *auth.Service,
	coord *experiments.Coordinator, rec *audit.Recorder, sched *cron.Scheduler,
	logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        st,
		registry:     reg,
		hub:          h,
		auth:         authSvc,
		coord:        coord,
		audit:        rec,
		scheduler:    sched,
		logger:       logger,
		cookieSecure: opts.CookieSecure,
		logins:       newLoginLimiter(),
	}
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/leaderboard/tool-eval", s.handleLeaderboard)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Authenticated.
	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/auth/me", s.handleMe)
	authed.HandleFunc("POST /api/auth/cli-token", s.handleCLIToken)

	authed.HandleFunc("POST /api/benchmark", s.submitJob(models.JobBenchmark))
	authed.HandleFunc("POST /api/tool-eval", s.submitJob(models.JobToolEval))
	authed.HandleFunc("POST /api/param-tune", s.submitJob(models.JobParamTune))
	authed.HandleFunc("POST /api/prompt-tune", s.submitJob(models.JobPromptTune))
	authed.HandleFunc("POST /api/judge", s.submitJob(models.JobJudge))
	authed.HandleFunc("POST /api/judge-compare", s.submitJob(models.JobJudgeCompare))

	authed.HandleFunc("GET /api/jobs", s.handleListJobs)
	authed.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	authed.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	authed.HandleFunc("GET /api/history", s.handleBenchmarkHistory)
	authed.HandleFunc("GET /api/history/{id}", s.handleBenchmarkRun)
	authed.HandleFunc("DELETE /api/history/{id}", s.handleDeleteBenchmarkRun)
	authed.HandleFunc("GET /api/tool-eval/history", s.handleToolEvalHistory)
	authed.HandleFunc("GET /api/tool-eval/history/{id}", s.handleToolEvalRun)
	authed.HandleFunc("DELETE /api/tool-eval/history/{id}", s.handleDeleteToolEvalRun)
	authed.HandleFunc("GET /api/param-tune/history", s.handleParamTuneHistory)
	authed.HandleFunc("GET /api/param-tune/history/{id}", s.handleParamTuneRun)
	authed.HandleFunc("GET /api/prompt-tune/history", s.handlePromptTuneHistory)
	authed.HandleFunc("GET /api/prompt-tune/history/{id}", s.handlePromptTuneRun)
	authed.HandleFunc("GET /api/judge/reports", s.handleJudgeReports)
	authed.HandleFunc("GET /api/judge/reports/{id}", s.handleJudgeReport)

	authed.HandleFunc("GET /api/providers", s.handleListProviders)
	authed.HandleFunc("POST /api/providers", s.handleCreateProvider)
	authed.HandleFunc("DELETE /api/providers/{id}", s.handleDeleteProvider)
	authed.HandleFunc("GET /api/providers/{id}/models", s.handleListModels)
	authed.HandleFunc("POST /api/providers/{id}/models", s.handleCreateModel)

	authed.HandleFunc("GET /api/schedules", s.handleListSchedules)
	authed.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	authed.HandleFunc("PUT /api/schedules/{id}/enabled", s.handleSetScheduleEnabled)
	authed.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	authed.HandleFunc("GET /api/suites", s.handleListSuites)
	authed.HandleFunc("POST /api/suites", s.handleCreateSuite)
	authed.HandleFunc("GET /api/suites/{id}", s.handleGetSuite)
	authed.HandleFunc("DELETE /api/suites/{id}", s.handleDeleteSuite)
	authed.HandleFunc("GET /api/suites/{id}/export", s.handleExportSuite)
	authed.HandleFunc("POST /api/suites/import", s.handleImportSuite)

	authed.HandleFunc("GET /api/experiments", s.handleListExperiments)
	authed.HandleFunc("POST /api/experiments", s.handleCreateExperiment)
	authed.HandleFunc("GET /api/experiments/{id}", s.handleGetExperiment)
	authed.HandleFunc("PUT /api/experiments/{id}/baseline", s.handleSetBaseline)
	authed.HandleFunc("GET /api/experiments/{id}/timeline", s.handleTimeline)
	authed.HandleFunc("POST /api/experiments/{id}/run-best", s.handleRunBest)

	authed.HandleFunc("GET /api/leaderboard/opt-in", s.handleGetOptIn)
	authed.HandleFunc("PUT /api/leaderboard/opt-in", s.handleSetOptIn)

	authed.HandleFunc("GET /ws", s.handleWS)

	// Admin.
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/jobs", s.handleAdminListJobs)
	admin.HandleFunc("POST /api/admin/jobs/{id}/cancel", s.handleAdminCancelJob)

	requireAuth := auth.Middleware(s.auth, writeErrorCode)
	requireAdmin := auth.RequireAdmin(writeErrorCode)
	mux.Handle("/api/admin/", requireAuth(requireAdmin(admin)))
	mux.Handle("/api/", requireAuth(authed))
	mux.Handle("/ws", requireAuth(authed))
	return mux
}
