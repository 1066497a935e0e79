package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingest-platform/internal/domain"
)

// IngestLockTimeout is the default lifetime of an extract-and-merge lock.
const IngestLockTimeout = time.Hour

// NormalizationLockTimeout is the lifetime of a normalization lock.
const NormalizationLockTimeout = time.Hour

// RegionLockManager owns the extract-and-merge lock of one region and instance.
// Ingest yields to a refresh of the STATE or OPERATIONS schema.
type RegionLockManager struct {
	backend    domain.PseudoLockBackend
	regionCode string
	instance   domain.IngestInstance
	logger     *slog.Logger
}

// NewRegionLockManager creates a RegionLockManager.
func NewRegionLockManager(backend domain.PseudoLockBackend, regionCode string, instance domain.IngestInstance, logger *slog.Logger) *RegionLockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegionLockManager{
		backend:    backend,
		regionCode: regionCode,
		instance:   instance,
		logger:     logger.With("region", regionCode, "instance", string(instance)),
	}
}

// LockName returns the extract-and-merge lock name.
func (m *RegionLockManager) LockName() string {
	return ExtractAndMergeLockName(m.regionCode, m.instance)
}

// IsLocked reports whether ingest is running for the region and instance.
func (m *RegionLockManager) IsLocked(ctx context.Context) (bool, error) {
	return m.backend.IsLocked(ctx, m.LockName())
}

// CanProceed reports whether no refresh that ingest must yield to is announced.
func (m *RegionLockManager) CanProceed(ctx context.Context) (bool, error) {
	for _, schema := range []domain.SchemaType{domain.SchemaTypeState, domain.SchemaTypeOperations} {
		held, err := m.backend.IsLocked(ctx, RefreshLockName(schema, m.instance))
		if err != nil {
			return false, err
		}
		if held {
			m.logger.Info("refresh lock is held, ingest must yield", "schema", string(schema))
			return false, nil
		}
	}
	return true, nil
}

// Acquire takes the extract-and-merge lock with payload. It fails with a
// ConflictError when a refresh is announced or another process holds the lock.
func (m *RegionLockManager) Acquire(ctx context.Context, payload string, ttl time.Duration) error {
	ok, err := m.CanProceed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConflict("cannot acquire %s while a refresh is in progress", m.LockName())
	}
	return m.backend.Lock(ctx, m.LockName(), payload, ttl)
}

// Release deletes the extract-and-merge lock.
func (m *RegionLockManager) Release(ctx context.Context) error {
	return m.backend.Unlock(ctx, m.LockName())
}

// WithLock runs fn while holding the extract-and-merge lock and releases it
// afterwards, even when fn fails.
func (m *RegionLockManager) WithLock(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) error {
	payload := domain.NewID()
	if err := m.Acquire(ctx, payload, ttl); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx)); err != nil {
			var notFound *domain.NotFoundError
			if !errors.As(err, &notFound) {
				m.logger.Warn("failed to release ingest lock", "lock", m.LockName(), "error", err)
			}
		}
	}()
	return fn(ctx)
}

// NormalizationLockManager owns the lock held while the normalized state
// dataset of one instance is rebuilt. Normalization yields to a STATE refresh.
type NormalizationLockManager struct {
	backend  domain.PseudoLockBackend
	instance domain.IngestInstance
}

// NewNormalizationLockManager creates a NormalizationLockManager.
func NewNormalizationLockManager(backend domain.PseudoLockBackend, instance domain.IngestInstance) *NormalizationLockManager {
	return &NormalizationLockManager{backend: backend, instance: instance}
}

// Acquire takes the normalization lock. It fails with a ConflictError while a
// STATE refresh is announced for the instance.
func (m *NormalizationLockManager) Acquire(ctx context.Context, payload string, ttl time.Duration) error {
	refresh := RefreshLockName(domain.SchemaTypeState, m.instance)
	held, err := m.backend.IsLocked(ctx, refresh)
	if err != nil {
		return err
	}
	if held {
		return domain.ErrConflict("cannot update normalized state while %s is held", refresh)
	}
	if err := m.backend.Lock(ctx, NormalizationLockName(m.instance), payload, ttl); err != nil {
		return fmt.Errorf("acquire normalization lock: %w", err)
	}
	return nil
}

// Release deletes the normalization lock.
func (m *NormalizationLockManager) Release(ctx context.Context) error {
	return m.backend.Unlock(ctx, NormalizationLockName(m.instance))
}

// IsLocked reports whether normalization is running for the instance.
func (m *NormalizationLockManager) IsLocked(ctx context.Context) (bool, error) {
	return m.backend.IsLocked(ctx, NormalizationLockName(m.instance))
}
