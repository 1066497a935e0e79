// Package scheduler runs ingest view materialization for every region on a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/materialization"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/ingest/status"
	"ingest-platform/internal/lock"
	"ingest-platform/internal/metrics"
	"ingest-platform/internal/warehouse"
)

// Config wires a Scheduler.
type Config struct {
	Registry  *region.Registry
	Env       string
	Method    domain.MaterializationMethod
	Warehouse warehouse.Client
	Metadata  domain.MaterializationMetadataRepository
	Statuses  *status.Manager
	Locks     domain.PseudoLockBackend
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// RunSummary describes one region run.
type RunSummary struct {
	RegionCode   string
	Instance     domain.IngestInstance
	Ran          bool
	Materialized int
	Skipped      int
	// Status is the status appended after the run, if any.
	Status domain.DirectIngestStatus
}

// Scheduler materializes outstanding date bounds for each region and instance.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]bool // region/instance → run in progress
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Method == "" {
		cfg.Method = domain.MaterializationMethodOriginal
	}
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(),
		logger:  cfg.Logger,
		running: make(map[string]bool),
	}
}

// Start schedules RunAll on spec and starts the cron loop.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunAll(context.Background()) }); err != nil {
		return domain.ErrConfiguration("invalid schedule %q: %v", spec, err)
	}
	s.cron.Start()
	s.logger.Info("ingest scheduler started", "schedule", spec)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("ingest scheduler stopped")
}

// RunAll runs every region and instance once. Failures are logged.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, code := range s.cfg.Registry.Codes() {
		for _, instance := range domain.AllIngestInstances {
			if _, err := s.RunRegion(ctx, code, instance); err != nil {
				s.logger.Warn("scheduled ingest run failed",
					"region", code, "instance", string(instance), "error", err)
			}
		}
	}
}

// RunRegion materializes every outstanding date bound of the region's launchable
// views for instance while holding the region's ingest lock. When the run
// leaves the instance caught up, PRIMARY moves to RAW_DATA_UP_TO_DATE and
// SECONDARY to READY_TO_FLASH if their current status allows it.
func (s *Scheduler) RunRegion(ctx context.Context, regionCode string, instance domain.IngestInstance) (*RunSummary, error) {
	key := regionCode + "/" + string(instance)
	if !s.begin(key) {
		return nil, domain.ErrConflict("ingest run for %s is already in progress", key)
	}
	defer s.end(key)

	summary, err := s.runRegion(ctx, regionCode, instance)
	if summary != nil && summary.Ran {
		s.cfg.Metrics.RecordSchedulerRun(regionCode, string(instance), err == nil)
	}
	return summary, err
}

func (s *Scheduler) runRegion(ctx context.Context, regionCode string, instance domain.IngestInstance) (*RunSummary, error) {
	r, err := s.cfg.Registry.Get(regionCode)
	if err != nil {
		return nil, err
	}
	summary := &RunSummary{RegionCode: r.RegionCode, Instance: instance}

	run, err := s.cfg.Statuses.ShouldRunIngest(ctx, r, s.cfg.Env, instance)
	if err != nil || !run {
		return summary, err
	}
	summary.Ran = true

	logger := s.logger.With("region", r.RegionCode, "instance", string(instance))
	locks := lock.NewRegionLockManager(s.cfg.Locks, r.RegionCode, instance, logger)
	err = locks.WithLock(ctx, lock.IngestLockTimeout, func(ctx context.Context) error {
		return s.materializeAll(ctx, logger, r, instance, summary)
	})
	if err != nil {
		return summary, err
	}

	next := domain.StatusRawDataUpToDate
	if instance == domain.IngestInstanceSecondary {
		next = domain.StatusReadyToFlash
	}
	ok, err := s.cfg.Statuses.CanTransition(ctx, r.RegionCode, instance, next)
	if err != nil {
		return summary, err
	}
	if !ok {
		logger.Debug("status left unchanged after run", "wanted", string(next))
		return summary, nil
	}
	if _, err := s.cfg.Statuses.ChangeStatusTo(ctx, r.RegionCode, instance, next); err != nil {
		return summary, err
	}
	summary.Status = next
	return summary, nil
}

func (s *Scheduler) materializeAll(ctx context.Context, logger *slog.Logger, r *region.Region, instance domain.IngestInstance, summary *RunSummary) error {
	m, err := materialization.NewMaterializer(materialization.Config{
		Region:                r,
		Env:                   s.cfg.Env,
		RawDataSourceInstance: instance,
		IngestInstance:        instance,
		Metadata:              s.cfg.Metadata,
		Warehouse:             s.cfg.Warehouse,
		Metrics:               s.cfg.Metrics,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	discoverer := materialization.NewDateBoundDiscoverer(s.cfg.Warehouse, logger)

	for _, viewName := range r.LaunchableViews(instance) {
		view, err := r.View(viewName)
		if err != nil {
			return err
		}
		ceilings, err := discoverer.LatestRawDataTimestamps(ctx, r.RegionCode, instance, view.RawTableDependencies())
		if err != nil {
			return err
		}
		if !materialization.HasRawData(ceilings) {
			logger.Debug("no raw data for ingest view yet", "ingest_view", viewName)
			continue
		}
		pairs, err := discoverer.Discover(ctx, r.RegionCode, instance, ceilings, s.cfg.Method)
		if err != nil {
			return fmt.Errorf("discover date bounds for %s: %w", viewName, err)
		}

		for _, pair := range pairs {
			done, err := m.MaterializeViewForArgs(ctx, pair.ArgsFor(viewName, instance))
			if err != nil {
				return fmt.Errorf("materialize %s: %w", viewName, err)
			}
			if done {
				summary.Materialized++
			} else {
				summary.Skipped++
			}
		}
	}

	logger.Info("ingest run finished",
		"materialized", summary.Materialized, "skipped", summary.Skipped, "request_id", m.RequestID())
	return nil
}

func (s *Scheduler) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Scheduler) end(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

// NextRun returns the next scheduled run time, or the zero time when the
// scheduler has not been started.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
