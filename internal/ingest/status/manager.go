// Package status manages the append-only lifecycle log of ingest instances.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/metrics"
)

// noStatus stands for an empty status log in the transition table.
const noStatus domain.DirectIngestStatus = ""

type transitions map[domain.DirectIngestStatus][]domain.DirectIngestStatus

// validPriorStatuses lists, per instance, the statuses each status may follow.
var validPriorStatuses = map[domain.IngestInstance]transitions{
	domain.IngestInstancePrimary: {
		domain.StatusInitialState: {noStatus},
		domain.StatusRawDataImportInProgress: {
			domain.StatusInitialState,
			domain.StatusRawDataUpToDate,
			domain.StatusFlashCompleted,
			domain.StatusRawDataImportInProgress,
		},
		domain.StatusRawDataUpToDate: {
			domain.StatusInitialState,
			domain.StatusRawDataImportInProgress,
			domain.StatusFlashCompleted,
		},
		domain.StatusFlashInProgress: {
			domain.StatusRawDataUpToDate,
			domain.StatusInitialState,
			domain.StatusFlashCompleted,
		},
		domain.StatusFlashCompleted: {domain.StatusFlashInProgress},
	},
	domain.IngestInstanceSecondary: {
		domain.StatusNoRawDataReimportInProgress: {
			noStatus,
			domain.StatusFlashCompleted,
			domain.StatusRawDataReimportCanceled,
		},
		domain.StatusRawDataReimportStarted: {
			noStatus,
			domain.StatusNoRawDataReimportInProgress,
			domain.StatusFlashCompleted,
			domain.StatusRawDataReimportCanceled,
		},
		domain.StatusRawDataImportInProgress: {
			domain.StatusRawDataReimportStarted,
			domain.StatusReadyToFlash,
			domain.StatusStaleRawData,
		},
		domain.StatusReadyToFlash: {
			domain.StatusRawDataImportInProgress,
			domain.StatusStaleRawData,
		},
		domain.StatusStaleRawData: {
			domain.StatusRawDataImportInProgress,
			domain.StatusReadyToFlash,
		},
		domain.StatusFlashInProgress: {domain.StatusReadyToFlash},
		domain.StatusFlashCompleted:  {domain.StatusFlashInProgress},
		domain.StatusRawDataReimportCancellationInProgress: {
			domain.StatusRawDataReimportStarted,
			domain.StatusRawDataImportInProgress,
			domain.StatusReadyToFlash,
			domain.StatusStaleRawData,
		},
		domain.StatusRawDataReimportCanceled: {domain.StatusRawDataReimportCancellationInProgress},
	},
}

// ValidateTransition checks that instance may move from current to next. A nil
// current means the log is empty. A legacy current status is treated the same
// way, so the first current-family row after a migration must be an opening status.
func ValidateTransition(instance domain.IngestInstance, current *domain.DirectIngestStatus, next domain.DirectIngestStatus) error {
	if !instance.Valid() {
		return domain.ErrValidation("invalid ingest instance %q", instance)
	}
	switch next.Family() {
	case domain.StatusFamilyLegacy:
		return domain.ErrValidation("legacy status %s can no longer be written", next)
	case domain.StatusFamilyUnknown:
		return domain.ErrValidation("unknown ingest status %q", next)
	}

	allowed, ok := validPriorStatuses[instance][next]
	if !ok {
		return domain.ErrValidation("status %s is not valid for the %s instance", next, instance)
	}

	prior := noStatus
	if current != nil && !current.IsLegacy() {
		prior = *current
	}
	for _, s := range allowed {
		if s == prior {
			return nil
		}
	}
	if prior == noStatus {
		return domain.ErrValidation("status %s cannot open the %s status log", next, instance)
	}
	return domain.ErrValidation("cannot transition %s from %s to %s", instance, prior, next)
}

// Manager validates and records status changes for ingest instances.
type Manager struct {
	repo    domain.InstanceStatusRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a status Manager.
func NewManager(repo domain.InstanceStatusRepository, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, metrics: m, logger: logger, now: time.Now}
}

// WithClock replaces the clock used to timestamp new rows.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetCurrentStatus returns the newest status row, or a NotFoundError when the
// instance has none.
func (m *Manager) GetCurrentStatus(ctx context.Context, regionCode string, instance domain.IngestInstance) (*domain.InstanceStatusRecord, error) {
	return m.repo.Current(ctx, regionCode, instance)
}

// ListStatuses returns up to limit rows newest first. A non-positive limit
// returns the whole log.
func (m *Manager) ListStatuses(ctx context.Context, regionCode string, instance domain.IngestInstance, limit int) ([]domain.InstanceStatusRecord, error) {
	return m.repo.List(ctx, regionCode, instance, limit)
}

// ChangeStatusTo appends next to the instance's log after checking that the
// transition from the current status is allowed.
func (m *Manager) ChangeStatusTo(ctx context.Context, regionCode string, instance domain.IngestInstance, next domain.DirectIngestStatus) (*domain.InstanceStatusRecord, error) {
	current, err := m.currentStatus(ctx, regionCode, instance)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(instance, current, next); err != nil {
		return nil, err
	}

	rec := domain.InstanceStatusRecord{
		RegionCode:      regionCode,
		Instance:        instance,
		StatusTimestamp: m.now().UTC().Truncate(time.Microsecond),
		Status:          next,
	}
	if err := m.repo.Append(ctx, rec); err != nil {
		return nil, err
	}
	m.metrics.RecordStatus(regionCode, string(instance), string(next))

	from := "none"
	if current != nil {
		from = string(*current)
	}
	m.logger.Info("changed ingest instance status",
		"region", regionCode, "instance", string(instance), "from", from, "to", string(next))
	return &rec, nil
}

// AddInitialStatus writes INITIAL_STATE for the PRIMARY instance of a newly
// onboarded region. It does nothing when PRIMARY already has rows. SECONDARY
// gets no row until a raw data reimport is started.
func (m *Manager) AddInitialStatus(ctx context.Context, regionCode string) error {
	current, err := m.currentStatus(ctx, regionCode, domain.IngestInstancePrimary)
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}
	if _, err := m.ChangeStatusTo(ctx, regionCode, domain.IngestInstancePrimary, domain.StatusInitialState); err != nil {
		return fmt.Errorf("initial status for %s: %w", regionCode, err)
	}
	return nil
}

// CanTransition reports whether next would currently be accepted for the instance.
func (m *Manager) CanTransition(ctx context.Context, regionCode string, instance domain.IngestInstance, next domain.DirectIngestStatus) (bool, error) {
	current, err := m.currentStatus(ctx, regionCode, instance)
	if err != nil {
		return false, err
	}
	return ValidateTransition(instance, current, next) == nil, nil
}

func (m *Manager) currentStatus(ctx context.Context, regionCode string, instance domain.IngestInstance) (*domain.DirectIngestStatus, error) {
	rec, err := m.repo.Current(ctx, regionCode, instance)
	var notFound *domain.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &rec.Status, nil
}
