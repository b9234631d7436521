package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/yanqian/weereg/internal/infra/config"
	"github.com/yanqian/weereg/internal/infra/reportrepo"
	"github.com/yanqian/weereg/pkg/logger"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Drop and recreate the stations table",
	Long: `init-db applies the embedded schema for the configured storage driver.
Every stored report is lost.`,
	RunE: runInitDB,
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}

type schemaApplier interface {
	ApplySchema(ctx context.Context) error
}

func runInitDB(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New().With("component", "init-db")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var (
		target  schemaApplier
		closeFn func()
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		target, closeFn = reportrepo.NewPostgresRepository(pool), pool.Close
	case config.DriverSQLite:
		repo, err := reportrepo.NewSQLiteRepository(cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		target, closeFn = repo, func() { _ = repo.Close() }
	default:
		return errors.New("init-db needs storage.driver postgres or sqlite")
	}
	defer closeFn()

	if err := target.ApplySchema(ctx); err != nil {
		return err
	}
	log.Info("stations table created", "driver", cfg.Storage.Driver)
	return nil
}
