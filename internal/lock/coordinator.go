package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/metrics"
)

// RefreshLockTimeout is how long a refresh lock lives without renewal. It is
// longer than ingest locks so a crashed ingest cannot outlast a refresh.
const RefreshLockTimeout = 3900 * time.Second

// Lock operation results recorded in metrics.
const (
	resultOK       = "ok"
	resultConflict = "conflict"
	resultBlocked  = "blocked"
	resultError    = "error"
)

// RefreshCoordinator guards the refresh of an operational database schema into
// the warehouse. Acquiring the lock announces the refresh; CanProceed then
// reports whether every process that must yield to it has stopped.
type RefreshCoordinator struct {
	backend domain.PseudoLockBackend
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRefreshCoordinator creates a RefreshCoordinator over backend.
func NewRefreshCoordinator(backend domain.PseudoLockBackend, m *metrics.Metrics, logger *slog.Logger) *RefreshCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshCoordinator{backend: backend, metrics: m, logger: logger}
}

// AcquireLock takes the refresh lock for schema and instance with lockID as its
// payload, or renews it when lockID already holds it. A lock held under a
// different id yields a ConflictError.
func (c *RefreshCoordinator) AcquireLock(ctx context.Context, lockID string, schema domain.SchemaType, instance domain.IngestInstance) error {
	if lockID == "" {
		return domain.ErrValidation("lock id is required")
	}
	name := RefreshLockName(schema, instance)
	err := c.backend.Lock(ctx, name, lockID, RefreshLockTimeout)
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.metrics.RecordLockOperation("acquire", resultConflict)
		previous, _ := c.backend.GetLockPayload(ctx, name)
		c.logger.Info("refresh lock held by another process", "lock", name, "holder", previous)
		return domain.ErrConflict("lock id %s does not match existing lock id %s for %s", lockID, previous, name)
	case err != nil:
		c.metrics.RecordLockOperation("acquire", resultError)
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	c.metrics.RecordLockOperation("acquire", resultOK)
	c.logger.Info("acquired refresh lock", "lock", name, "lock_id", lockID)
	return nil
}

// CanProceed reports whether the refresh of schema may start. The refresh lock
// must already be held.
func (c *RefreshCoordinator) CanProceed(ctx context.Context, schema domain.SchemaType, instance domain.IngestInstance) (bool, error) {
	ok, err := c.canProceed(ctx, schema, instance)
	switch {
	case err != nil:
		c.metrics.RecordLockOperation("can_proceed", resultError)
	case ok:
		c.metrics.RecordLockOperation("can_proceed", resultOK)
	default:
		c.metrics.RecordLockOperation("can_proceed", resultBlocked)
	}
	return ok, err
}

func (c *RefreshCoordinator) canProceed(ctx context.Context, schema domain.SchemaType, instance domain.IngestInstance) (bool, error) {
	locked, err := c.IsLocked(ctx, schema, instance)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, domain.ErrLockNotHeld("must acquire the lock for [%s] before checking if can proceed", schema)
	}

	logger := c.logger.With("schema", string(schema), "instance", string(instance))
	switch schema {
	case domain.SchemaTypeState:
		// Normalization reads the state dataset.
		normalization := NormalizationLockName(instance)
		held, err := c.backend.IsLocked(ctx, normalization)
		if err != nil {
			return false, err
		}
		if held {
			logger.Info("normalized state update lock is held, cannot proceed", "lock", normalization)
			return false, nil
		}
		return c.noActiveIngest(ctx, logger, instance)
	case domain.SchemaTypeOperations:
		return c.noActiveIngest(ctx, logger, instance)
	}
	return true, nil
}

func (c *RefreshCoordinator) noActiveIngest(ctx context.Context, logger *slog.Logger, instance domain.IngestInstance) (bool, error) {
	none, err := c.backend.NoActiveLocksWithPrefix(ctx, ExtractAndMergeLockPrefix, string(instance))
	if err != nil {
		return false, err
	}
	if !none {
		logger.Info("found active ingest locks, cannot proceed", "prefix", ExtractAndMergeLockPrefix)
	}
	return none, nil
}

// ReleaseLock deletes the refresh lock for schema and instance.
func (c *RefreshCoordinator) ReleaseLock(ctx context.Context, schema domain.SchemaType, instance domain.IngestInstance) error {
	name := RefreshLockName(schema, instance)
	if err := c.backend.Unlock(ctx, name); err != nil {
		c.metrics.RecordLockOperation("release", resultError)
		return err
	}
	c.metrics.RecordLockOperation("release", resultOK)
	c.logger.Info("released refresh lock", "lock", name)
	return nil
}

// IsLocked reports whether the refresh lock for schema and instance is held.
func (c *RefreshCoordinator) IsLocked(ctx context.Context, schema domain.SchemaType, instance domain.IngestInstance) (bool, error) {
	return c.backend.IsLocked(ctx, RefreshLockName(schema, instance))
}

// WaitUntilCanProceed polls CanProceed every interval until it reports true,
// it fails, or timeout elapses. The poll cadence and deadline belong to the
// caller.
func (c *RefreshCoordinator) WaitUntilCanProceed(ctx context.Context, schema domain.SchemaType, instance domain.IngestInstance, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next tick falls past the deadline.
			cause := ctx.Err()
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return fmt.Errorf("waiting to refresh %s for %s: %w", schema, instance, cause)
		}
		ok, err := c.CanProceed(ctx, schema, instance)
		if err != nil {
			if cause := ctx.Err(); cause != nil {
				return fmt.Errorf("waiting to refresh %s for %s: %w", schema, instance, cause)
			}
			return err
		}
		if ok {
			return nil
		}
	}
}
