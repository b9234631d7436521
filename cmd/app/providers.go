package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/internal/infra/capture"
	"github.com/yanqian/weereg/internal/infra/config"
	"github.com/yanqian/weereg/internal/infra/reportrepo"
)

func provideRegistryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		MinDelay:      cfg.Registry.MinDelay,
		StationsLimit: cfg.Registry.StationsLimit,
		BatchSize:     cfg.Registry.BatchSize,
		SillyURLs:     cfg.Registry.SillyURLs,
	}
}

func provideRepository(cfg *config.Config, logger *slog.Logger) (registry.Repository, func(), error) {
	noop := func() {}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool := connectPostgres(cfg.Storage.Postgres, logger)
		if pool == nil {
			return reportrepo.NewMemoryRepository(), noop, nil
		}
		logger.Info("postgres report repository enabled")
		return reportrepo.NewPostgresRepository(pool), pool.Close, nil
	case config.DriverSQLite:
		repo, err := reportrepo.NewSQLiteRepository(cfg.Storage.SQLite.Path)
		if err != nil {
			logger.Error("failed to open sqlite database, using memory repository", "path", cfg.Storage.SQLite.Path, "error", err)
			return reportrepo.NewMemoryRepository(), noop, nil
		}
		logger.Info("sqlite report repository enabled", "path", repo.DBPath)
		return repo, func() { _ = repo.Close() }, nil
	default:
		logger.Info("using memory report repository")
		return reportrepo.NewMemoryRepository(), noop, nil
	}
}

func connectPostgres(cfg config.PostgresConfig, logger *slog.Logger) *pgxpool.Pool {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		logger.Info("postgres dsn not set, using memory repository")
		return nil
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid postgres dsn, using memory repository", "error", err)
		return nil
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("failed to initialize postgres pool, using memory repository", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed, using memory repository", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

func provideObjectStorage(cfg *config.Config, logger *slog.Logger) capture.ObjectStorage {
	store := cfg.Capture.ObjectStore
	if !cfg.Capture.Enabled || !store.Enabled {
		return nil
	}
	s3, err := capture.NewS3Storage(store.Endpoint, store.AccessKey, store.SecretKey, store.Bucket, store.Region, logger)
	if err != nil {
		logger.Error("failed to init object storage, screenshots stay local", "error", err)
		return nil
	}
	logger.Info("screenshot object storage enabled", "bucket", store.Bucket)
	return s3
}

func provideCaptureRunner(cfg *config.Config, store capture.ObjectStorage, logger *slog.Logger) *capture.Runner {
	c := cfg.Capture
	return capture.NewRunner(capture.RunnerConfig{
		Command:   c.Command,
		OutputDir: c.OutputDir,
		Timeout:   c.Timeout,
		Breaker: capture.BreakerConfig{
			MaxRequests:         c.Breaker.MaxRequests,
			Interval:            c.Breaker.Interval,
			Timeout:             c.Breaker.OpenTimeout,
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		},
	}, store, logger)
}

func provideCaptureQueue(cfg *config.Config, logger *slog.Logger) (capture.Queue, func(), error) {
	noop := func() {}
	if cfg.Capture.Queue.Kind != config.QueueValkey {
		return capture.NewImmediateQueue(nil), noop, nil
	}
	opt, err := buildValkeyOptions(cfg.Capture.Queue.Valkey.Addr)
	if err != nil {
		logger.Error("invalid valkey configuration, falling back to immediate queue", "error", err)
		return capture.NewImmediateQueue(nil), noop, nil
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		logger.Error("failed to create valkey client, falling back to immediate queue", "error", err)
		return capture.NewImmediateQueue(nil), noop, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		logger.Error("valkey ping failed, falling back to immediate queue", "error", err)
		client.Close()
		return capture.NewImmediateQueue(nil), noop, nil
	}
	logger.Info("capture valkey queue enabled", "addr", cfg.Capture.Queue.Valkey.Addr)
	queue := capture.NewValkeyQueue(client, cfg.Capture.Queue.Key, logger)
	return queue, func() {
		queue.Close()
		client.Close()
	}, nil
}

// provideCaptureDispatcher returns nil when capture is off so the service skips the side effect.
func provideCaptureDispatcher(cfg *config.Config, queue capture.Queue, runner *capture.Runner, logger *slog.Logger) registry.CaptureDispatcher {
	if !cfg.Capture.Enabled {
		return nil
	}
	return capture.NewDispatcher(queue, runner, logger)
}

func buildValkeyOptions(addr string) (valkey.ClientOption, error) {
	if strings.Contains(addr, "://") {
		return valkey.ParseURL(addr)
	}
	return valkey.ClientOption{InitAddress: []string{addr}}, nil
}
