// Package app wires the ingest platform's repositories, warehouse, lock
// backend and services from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"

	"ingest-platform/internal/api"
	"ingest-platform/internal/config"
	"ingest-platform/internal/db/repository"
	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/flash"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/ingest/scheduler"
	"ingest-platform/internal/ingest/status"
	"ingest-platform/internal/lock"
	"ingest-platform/internal/metrics"
	"ingest-platform/internal/middleware"
	"ingest-platform/internal/warehouse"
)

// Deps holds what main must provide: configuration, the operations database
// pools and the logger. ReadDB may be nil, in which case all reads use WriteDB.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App is the fully wired platform.
type App struct {
	Cfg       *config.Config
	Registry  *region.Registry
	Warehouse warehouse.Client
	Locks     domain.PseudoLockBackend
	Statuses  *status.Manager
	Metadata  *repository.MaterializationMetadataRepo
	Refresh   *lock.RefreshCoordinator
	Scheduler *scheduler.Scheduler
	Flasher   *flash.Flasher
	Metrics   *metrics.Metrics

	logger  *slog.Logger
	closers []func() error
}

// New opens the warehouse and lock backend named by the configuration and
// wires every service on top of them.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := region.LoadDirectory(cfg.RegionsDir)
	if err != nil {
		return nil, fmt.Errorf("load regions: %w", err)
	}

	a := &App{Cfg: cfg, Registry: registry, Metrics: metrics.New(), logger: logger}

	a.Warehouse, err = OpenWarehouse(ctx, cfg, logger.With("component", "warehouse"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Warehouse.Close)

	locks, closeLocks, err := OpenLockBackend(ctx, cfg, deps.WriteDB)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Locks = locks
	if closeLocks != nil {
		a.closers = append(a.closers, closeLocks)
	}

	statusRepo := repository.NewInstanceStatusRepo(deps.WriteDB).WithReadDB(deps.ReadDB)
	a.Statuses = status.NewManager(statusRepo, a.Metrics, logger.With("component", "status"))
	a.Metadata = repository.NewMaterializationMetadataRepo(deps.WriteDB).WithReadDB(deps.ReadDB)
	a.Refresh = lock.NewRefreshCoordinator(a.Locks, a.Metrics, logger.With("component", "refresh-lock"))
	a.Scheduler = scheduler.New(scheduler.Config{
		Registry:  registry,
		Env:       cfg.Env,
		Method:    cfg.MaterializationMethod,
		Warehouse: a.Warehouse,
		Metadata:  a.Metadata,
		Statuses:  a.Statuses,
		Locks:     a.Locks,
		Metrics:   a.Metrics,
		Logger:    logger.With("component", "scheduler"),
	})
	a.Flasher = flash.NewFlasher(a.Warehouse, a.Statuses, a.Metadata, a.Locks, a.Metrics, logger.With("component", "flash"))

	logger.Info("ingest platform wired",
		"env", cfg.Env, "regions", len(registry.Codes()),
		"warehouse", cfg.Warehouse, "lock_backend", cfg.LockBackend)
	return a, nil
}

// Handler returns the admin API handler. The rate limiter lives until ctx is done.
func (a *App) Handler(ctx context.Context) http.Handler {
	h := api.NewHandler(api.Deps{
		Registry:  a.Registry,
		Env:       a.Cfg.Env,
		Warehouse: a.Warehouse,
		Statuses:  a.Statuses,
		Metadata:  a.Metadata,
		Locks:     a.Locks,
		Refresh:   a.Refresh,
		Scheduler: a.Scheduler,
		Flasher:   a.Flasher,
		Metrics:   a.Metrics,

		LockWaitInterval: a.Cfg.LockWaitEvery,
	})
	limiter := middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerSecond: a.Cfg.RateLimitRPS,
		Burst:             a.Cfg.RateLimitBurst,
	})
	return api.NewRouter(h, a.logger.With("component", "api"), api.RouterOptions{
		Limiter:            limiter,
		CORSAllowedOrigins: a.Cfg.CORSAllowedOrigins,
	})
}

// Close releases the warehouse and lock backend.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenWarehouse opens the warehouse client named by cfg.Warehouse.
func OpenWarehouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (warehouse.Client, error) {
	switch cfg.Warehouse {
	case config.WarehouseBigQuery:
		c, err := warehouse.NewBigQueryClient(ctx, cfg.GCPProject, cfg.BQLocation, logger)
		if err != nil {
			return nil, fmt.Errorf("open bigquery: %w", err)
		}
		return c, nil
	case config.WarehouseDuckDB:
		c, err := warehouse.OpenDuckDB(cfg.DuckDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open duckdb: %w", err)
		}
		return c, nil
	default:
		return nil, domain.ErrConfiguration("unknown warehouse %q", cfg.Warehouse)
	}
}

// OpenLockBackend opens the pseudo-lock backend named by cfg.LockBackend. The
// returned close func is nil when there is nothing to release.
func OpenLockBackend(ctx context.Context, cfg *config.Config, writeDB *sql.DB) (domain.PseudoLockBackend, func() error, error) {
	switch cfg.LockBackend {
	case config.LockBackendSQLite:
		return repository.NewPseudoLockRepo(writeDB), nil, nil
	case config.LockBackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("open gcs client: %w", err)
		}
		return lock.NewGCSBackend(client, cfg.LockBucket, cfg.LockPrefix), client.Close, nil
	case config.LockBackendRedis:
		pool := lock.NewRedisPool(cfg.RedisAddr)
		return lock.NewRedisBackend(pool, cfg.LockPrefix), pool.Close, nil
	default:
		return nil, nil, domain.ErrConfiguration("unknown lock backend %q", cfg.LockBackend)
	}
}
