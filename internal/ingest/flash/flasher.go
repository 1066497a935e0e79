package flash

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/status"
	"ingest-platform/internal/lock"
	"ingest-platform/internal/metrics"
	"ingest-platform/internal/warehouse"
)

// Flasher promotes a finished SECONDARY reimport to PRIMARY.
type Flasher struct {
	client   warehouse.Client
	statuses *status.Manager
	metadata domain.MaterializationMetadataRepository
	locks    domain.PseudoLockBackend
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewFlasher creates a Flasher.
func NewFlasher(client warehouse.Client, statuses *status.Manager, metadata domain.MaterializationMetadataRepository, locks domain.PseudoLockBackend, m *metrics.Metrics, logger *slog.Logger) *Flasher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flasher{
		client:   client,
		statuses: statuses,
		metadata: metadata,
		locks:    locks,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Result summarizes a completed flash.
type Result struct {
	RegionCode          string
	ResultsBackup       string
	RawDataBackup       string
	InvalidatedJobs     int64
	TransferredJobs     int64
	FlashCompletedAtUTC time.Time
}

// FlashSecondaryToPrimary replaces PRIMARY ingest view results and raw data
// with those of SECONDARY. SECONDARY must be READY_TO_FLASH. The extract-and-merge
// locks of both instances are held throughout, so a flash fails with a
// ConflictError while ingest runs and ingest cannot start during a flash. Both
// instances are left in FLASH_IN_PROGRESS when a step fails so an operator can
// inspect them.
func (f *Flasher) FlashSecondaryToPrimary(ctx context.Context, regionCode string) (*Result, error) {
	var res *Result
	err := f.withIngestLocks(ctx, regionCode, func(ctx context.Context) error {
		var err error
		res, err = f.flash(ctx, regionCode)
		return err
	})
	f.metrics.RecordFlash(regionCode, err == nil)
	if err != nil {
		f.logger.Error("flash failed", "region", regionCode, "error", err)
		return nil, err
	}
	return res, nil
}

func (f *Flasher) withIngestLocks(ctx context.Context, regionCode string, fn func(ctx context.Context) error) error {
	primary := lock.NewRegionLockManager(f.locks, regionCode, domain.IngestInstancePrimary, f.logger)
	secondary := lock.NewRegionLockManager(f.locks, regionCode, domain.IngestInstanceSecondary, f.logger)
	return primary.WithLock(ctx, lock.IngestLockTimeout, func(ctx context.Context) error {
		return secondary.WithLock(ctx, lock.IngestLockTimeout, fn)
	})
}

func (f *Flasher) flash(ctx context.Context, regionCode string) (*Result, error) {
	primary, secondary := domain.IngestInstancePrimary, domain.IngestInstanceSecondary
	logger := f.logger.With("region", regionCode)

	for _, instance := range []domain.IngestInstance{primary, secondary} {
		ok, err := f.statuses.CanTransition(ctx, regionCode, instance, domain.StatusFlashInProgress)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrValidation("%s for region %s is not ready to flash", instance, regionCode)
		}
	}
	for _, instance := range []domain.IngestInstance{primary, secondary} {
		if _, err := f.statuses.ChangeStatusTo(ctx, regionCode, instance, domain.StatusFlashInProgress); err != nil {
			return nil, err
		}
	}

	at := f.now()
	res := &Result{RegionCode: regionCode}
	var err error

	logger.Info("backing up PRIMARY ingest view results")
	if res.ResultsBackup, err = MoveResultsToBackup(ctx, f.client, regionCode, primary, at); err != nil {
		return nil, err
	}
	if res.InvalidatedJobs, err = f.metadata.InvalidateInstance(ctx, regionCode, primary); err != nil {
		return nil, fmt.Errorf("invalidate PRIMARY metadata: %w", err)
	}

	logger.Info("moving SECONDARY ingest view results to PRIMARY")
	if err := MoveResultsBetweenInstances(ctx, f.client, regionCode, secondary, primary); err != nil {
		return nil, err
	}
	if res.TransferredJobs, err = f.metadata.TransferToInstance(ctx, regionCode, secondary, primary); err != nil {
		return nil, fmt.Errorf("transfer SECONDARY metadata: %w", err)
	}

	logger.Info("replacing PRIMARY raw data with SECONDARY raw data")
	if res.RawDataBackup, err = CopyRawDataToBackup(ctx, f.client, regionCode, primary, at); err != nil {
		return nil, err
	}
	if err := DeleteRawDataTableContents(ctx, f.client, regionCode, primary); err != nil {
		return nil, fmt.Errorf("clear PRIMARY raw data: %w", err)
	}
	if err := CopyRawDataBetweenInstances(ctx, f.client, regionCode, secondary, primary); err != nil {
		return nil, err
	}
	if err := DeleteRawDataTableContents(ctx, f.client, regionCode, secondary); err != nil {
		return nil, fmt.Errorf("clear SECONDARY raw data: %w", err)
	}

	for _, instance := range []domain.IngestInstance{primary, secondary} {
		if _, err := f.statuses.ChangeStatusTo(ctx, regionCode, instance, domain.StatusFlashCompleted); err != nil {
			return nil, err
		}
	}
	if _, err := f.statuses.ChangeStatusTo(ctx, regionCode, secondary, domain.StatusNoRawDataReimportInProgress); err != nil {
		return nil, err
	}

	res.FlashCompletedAtUTC = f.now().UTC()
	logger.Info("flash completed",
		"results_backup", res.ResultsBackup,
		"raw_data_backup", res.RawDataBackup,
		"invalidated_jobs", res.InvalidatedJobs,
		"transferred_jobs", res.TransferredJobs)
	return res, nil
}
