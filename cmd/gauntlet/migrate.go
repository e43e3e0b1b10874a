package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/gauntlet/internal/config"
	"github.com/haasonsaas/gauntlet/internal/observability"
	"github.com/haasonsaas/gauntlet/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Long: `Open the database and apply any pending schema migrations.
The serve command migrates on startup too; this command exists for
deployments that run migrations as a separate step.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUnchecked(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("database.path is required")
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: "text",
			}).Slog()

			st, err := store.Open(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gauntlet.yaml",
		"Path to YAML configuration file")
	return cmd
}
