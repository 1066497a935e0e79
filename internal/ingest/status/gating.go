package status

import (
	"context"
	"slices"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
)

// ShouldRunIngest reports whether the ingest pipeline should run for the region
// and instance in env. No instance runs during a flash. SECONDARY only runs while
// a raw data reimport is underway or when some view launches differently in the
// two instances.
func (m *Manager) ShouldRunIngest(ctx context.Context, r *region.Region, env string, instance domain.IngestInstance) (bool, error) {
	logger := m.logger.With("region", r.RegionCode, "instance", string(instance))

	if !r.IsIngestLaunchedInEnv(env) {
		logger.Info("ingest is not launched in environment", "env", env)
		return false, nil
	}
	if len(r.LaunchableViews(instance)) == 0 {
		logger.Info("no launchable views found")
		return false, nil
	}

	current, err := m.currentStatus(ctx, r.RegionCode, instance)
	if err != nil {
		return false, err
	}
	if current != nil && *current == domain.StatusFlashInProgress {
		logger.Info("flash in progress, skipping ingest")
		return false, nil
	}
	if instance == domain.IngestInstancePrimary {
		return true, nil
	}
	if current != nil && *current != domain.StatusNoRawDataReimportInProgress {
		return true, nil
	}
	if launchDiffersByInstance(r) {
		return true, nil
	}
	logger.Info("no raw data reimport or launch difference requires a SECONDARY run")
	return false, nil
}

func launchDiffersByInstance(r *region.Region) bool {
	return !slices.Equal(
		r.LaunchableViews(domain.IngestInstancePrimary),
		r.LaunchableViews(domain.IngestInstanceSecondary),
	)
}
