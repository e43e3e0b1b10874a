package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/haasonsaas/gauntlet/internal/audit"
	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/internal/config"
	"github.com/haasonsaas/gauntlet/internal/cron"
	"github.com/haasonsaas/gauntlet/internal/experiments"
	"github.com/haasonsaas/gauntlet/internal/gateway"
	"github.com/haasonsaas/gauntlet/internal/hub"
	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/internal/observability"
	"github.com/haasonsaas/gauntlet/internal/runner"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

const shutdownTimeout = 15 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gauntlet server",
		Long: `Start the API server: HTTP endpoints, the WebSocket hub, the job
registry with all six handlers, and the cron scheduler.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  gauntlet serve

  # Start with a custom config
  gauntlet serve --config /etc/gauntlet/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gauntlet.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := obs.Slog()
	metrics := observability.NewMetrics()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Jobs left running by a previous process are dead; mark them before
	// accepting new work. Child run rows get a grace window so a crash loop
	// does not flip rows another process just started.
	if n, err := st.ReconcileInterrupted(ctx, 30*time.Minute); err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Info("marked jobs interrupted from previous run", "count", n)
	}

	h := hub.New(st, logger, metrics)
	registry := jobs.NewRegistry(st, h, logger, metrics)
	coord := experiments.New(st, logger)
	client := llm.NewClient(logger, metrics)
	runner.New(st, h, client, coord, runner.KeyringFunc(cfg.APIKey), logger).RegisterAll(registry)
	go registry.Watchdog()

	if err := ensureAdmin(ctx, st, cfg, logger); err != nil {
		return err
	}

	scheduler := cron.New(st, registry, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := gateway.New(st, registry, h,
		auth.NewService(cfg.Auth.JWTSecret, st, logger),
		coord,
		audit.New(st, logger),
		scheduler, logger,
		gateway.Options{CookieSecure: cfg.Auth.CookieSecure})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	registry.Shutdown(shutdownCtx)
	h.CloseAll()
	return nil
}

// ensureAdmin creates or promotes the configured admin account. The hourly
// rate-limit override from config lands on this account; everyone else keeps
// the stock limits.
func ensureAdmin(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Auth.AdminEmail == "" || cfg.Auth.AdminPassword == "" {
		return nil
	}

	user, err := st.GetUserByEmail(ctx, cfg.Auth.AdminEmail)
	switch {
	case errors.Is(err, store.ErrNotFound):
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Auth.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		user = &models.User{
			ID:           uuid.NewString(),
			Email:        cfg.Auth.AdminEmail,
			PasswordHash: string(hash),
			Role:         models.RoleAdmin,
			CreatedAt:    time.Now().UTC(),
		}
		if err := st.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		logger.Info("created admin account", "email", cfg.Auth.AdminEmail)
	case err != nil:
		return fmt.Errorf("look up admin user: %w", err)
	case user.Role != models.RoleAdmin:
		if err := st.SetUserRole(ctx, user.ID, models.RoleAdmin); err != nil {
			return fmt.Errorf("promote admin user: %w", err)
		}
		logger.Info("promoted existing account to admin", "email", cfg.Auth.AdminEmail)
	}

	if cfg.RateLimit.BenchmarksPerHour > 0 {
		return st.SetRateLimit(ctx, &models.RateLimit{
			UserID:            user.ID,
			BenchmarksPerHour: cfg.RateLimit.BenchmarksPerHour,
			MaxConcurrent:     1,
		})
	}
	return nil
}
