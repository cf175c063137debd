package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStandalone()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return migrateDatabase(cfg)
	},
}

func migrateDatabase(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied", "dir", cfg.Server.MigrationsDir)
	return nil
}
