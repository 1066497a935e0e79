package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/metrics"
)

func TestLockNames(t *testing.T) {
	assert.Equal(t, "EXPORT_PROCESS_RUNNING_STATE_SECONDARY", RefreshLockName(domain.SchemaTypeState, domain.IngestInstanceSecondary))
	assert.Equal(t, "INGEST_PROCESS_RUNNING_STATE_US_XX_PRIMARY", ExtractAndMergeLockName("us_xx", domain.IngestInstancePrimary))
	assert.Equal(t, "NORMALIZED_STATE_UPDATE_PROCESS_RUNNING_PRIMARY", NormalizationLockName(domain.IngestInstancePrimary))
}

func TestRefreshCoordinator_AcquireAndRelease(t *testing.T) {
	backend, _ := newSQLiteBackend(t)
	m := metrics.New()
	c := NewRefreshCoordinator(backend, m, nil)
	ctx := context.Background()

	require.NoError(t, c.AcquireLock(ctx, "run-1", domain.SchemaTypeState, domain.IngestInstancePrimary))
	require.NoError(t, c.AcquireLock(ctx, "run-1", domain.SchemaTypeState, domain.IngestInstancePrimary))

	err := c.AcquireLock(ctx, "run-2", domain.SchemaTypeState, domain.IngestInstancePrimary)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "run-1")

	// Locks are scoped by schema and instance.
	require.NoError(t, c.AcquireLock(ctx, "run-2", domain.SchemaTypeState, domain.IngestInstanceSecondary))
	require.NoError(t, c.AcquireLock(ctx, "run-2", domain.SchemaTypeOperations, domain.IngestInstancePrimary))

	locked, err := c.IsLocked(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, c.ReleaseLock(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary))
	locked, err = c.IsLocked(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary)
	require.NoError(t, err)
	assert.False(t, locked)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.LockOperations.WithLabelValues("acquire", resultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockOperations.WithLabelValues("acquire", resultConflict)))

	var validation *domain.ValidationError
	require.ErrorAs(t, c.AcquireLock(ctx, "", domain.SchemaTypeState, domain.IngestInstancePrimary), &validation)
}

func TestRefreshCoordinator_CanProceedRequiresLock(t *testing.T) {
	backend, _ := newSQLiteBackend(t)
	c := NewRefreshCoordinator(backend, nil, nil)

	_, err := c.CanProceed(context.Background(), domain.SchemaTypeCaseTriage, domain.IngestInstancePrimary)
	var notHeld *domain.LockNotHeldError
	require.ErrorAs(t, err, &notHeld)
}

func TestRefreshCoordinator_CanProceed(t *testing.T) {
	ctx := context.Background()
	ingestLock := ExtractAndMergeLockName("us_xx", domain.IngestInstancePrimary)

	tests := []struct {
		name   string
		schema domain.SchemaType
		held   []string
		want   bool
	}{
		{"state with nothing running", domain.SchemaTypeState, nil, true},
		{"state blocked by normalization", domain.SchemaTypeState, []string{NormalizationLockName(domain.IngestInstancePrimary)}, false},
		{"state ignores other instance normalization", domain.SchemaTypeState, []string{NormalizationLockName(domain.IngestInstanceSecondary)}, true},
		{"state blocked by ingest", domain.SchemaTypeState, []string{ingestLock}, false},
		{"operations blocked by ingest", domain.SchemaTypeOperations, []string{ingestLock}, false},
		{"operations ignores normalization", domain.SchemaTypeOperations, []string{NormalizationLockName(domain.IngestInstancePrimary)}, true},
		{"operations ignores other instance ingest", domain.SchemaTypeOperations, []string{ExtractAndMergeLockName("us_xx", domain.IngestInstanceSecondary)}, true},
		{"other schemas never wait", domain.SchemaTypeCaseTriage, []string{ingestLock, NormalizationLockName(domain.IngestInstancePrimary)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, _ := newSQLiteBackend(t)
			c := NewRefreshCoordinator(backend, nil, nil)
			for _, name := range tt.held {
				require.NoError(t, backend.Lock(ctx, name, "holder", time.Hour))
			}
			require.NoError(t, c.AcquireLock(ctx, "refresh", tt.schema, domain.IngestInstancePrimary))

			ok, err := c.CanProceed(ctx, tt.schema, domain.IngestInstancePrimary)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestRefreshCoordinator_ExpiredIngestLockStopsBlocking(t *testing.T) {
	backend, advance := newSQLiteBackend(t)
	c := NewRefreshCoordinator(backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, backend.Lock(ctx, ExtractAndMergeLockName("us_xx", domain.IngestInstancePrimary), "crashed", time.Hour))
	require.NoError(t, c.AcquireLock(ctx, "refresh", domain.SchemaTypeOperations, domain.IngestInstancePrimary))

	ok, err := c.CanProceed(ctx, domain.SchemaTypeOperations, domain.IngestInstancePrimary)
	require.NoError(t, err)
	assert.False(t, ok)

	advance(61 * time.Minute)
	ok, err = c.CanProceed(ctx, domain.SchemaTypeOperations, domain.IngestInstancePrimary)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshCoordinator_WaitUntilCanProceed(t *testing.T) {
	ctx := context.Background()

	t.Run("returns once ingest releases", func(t *testing.T) {
		backend, _ := newRedisTestBackend(t)
		c := NewRefreshCoordinator(backend, nil, nil)
		regionLock := NewRegionLockManager(backend, "us_xx", domain.IngestInstancePrimary, nil)

		require.NoError(t, regionLock.Acquire(ctx, "ingest", time.Hour))
		require.NoError(t, c.AcquireLock(ctx, "refresh", domain.SchemaTypeState, domain.IngestInstancePrimary))

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = regionLock.Release(ctx)
		}()
		require.NoError(t, c.WaitUntilCanProceed(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary, 10*time.Millisecond, 5*time.Second))
	})

	t.Run("times out while blocked", func(t *testing.T) {
		backend, _ := newSQLiteBackend(t)
		c := NewRefreshCoordinator(backend, nil, nil)
		require.NoError(t, backend.Lock(ctx, NormalizationLockName(domain.IngestInstancePrimary), "n", time.Hour))
		require.NoError(t, c.AcquireLock(ctx, "refresh", domain.SchemaTypeState, domain.IngestInstancePrimary))

		err := c.WaitUntilCanProceed(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary, 10*time.Millisecond, 50*time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("fails without the lock", func(t *testing.T) {
		backend, _ := newSQLiteBackend(t)
		c := NewRefreshCoordinator(backend, nil, nil)
		err := c.WaitUntilCanProceed(ctx, domain.SchemaTypeState, domain.IngestInstancePrimary, time.Millisecond, time.Second)
		var notHeld *domain.LockNotHeldError
		require.ErrorAs(t, err, &notHeld)
	})
}

func TestRegionLockManager(t *testing.T) {
	backend, _ := newSQLiteBackend(t)
	ctx := context.Background()
	c := NewRefreshCoordinator(backend, nil, nil)
	m := NewRegionLockManager(backend, "us_xx", domain.IngestInstancePrimary, nil)

	ran := false
	require.NoError(t, m.WithLock(ctx, IngestLockTimeout, func(ctx context.Context) error {
		locked, err := m.IsLocked(ctx)
		require.NoError(t, err)
		assert.True(t, locked)
		ran = true
		return nil
	}))
	assert.True(t, ran)
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked, "released after fn")

	// The lock is released even when fn fails.
	boom := errors.New("boom")
	require.ErrorIs(t, m.WithLock(ctx, IngestLockTimeout, func(context.Context) error { return boom }), boom)
	locked, err = m.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	// Ingest yields to an announced refresh.
	require.NoError(t, c.AcquireLock(ctx, "refresh", domain.SchemaTypeOperations, domain.IngestInstancePrimary))
	ok, err := m.CanProceed(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	var conflict *domain.ConflictError
	require.ErrorAs(t, m.Acquire(ctx, "ingest", time.Minute), &conflict)

	// A refresh of the other instance does not block.
	other := NewRegionLockManager(backend, "us_xx", domain.IngestInstanceSecondary, nil)
	require.NoError(t, other.Acquire(ctx, "ingest", time.Minute))
}

func TestNormalizationLockManager(t *testing.T) {
	backend, _ := newSQLiteBackend(t)
	ctx := context.Background()
	m := NewNormalizationLockManager(backend, domain.IngestInstancePrimary)
	c := NewRefreshCoordinator(backend, nil, nil)

	require.NoError(t, m.Acquire(ctx, "n1", time.Hour))
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, m.Release(ctx))

	require.NoError(t, c.AcquireLock(ctx, "refresh", domain.SchemaTypeState, domain.IngestInstancePrimary))
	var conflict *domain.ConflictError
	require.ErrorAs(t, m.Acquire(ctx, "n2", time.Hour), &conflict)
}
