// Package lock coordinates processes that must not touch the same state at the
// same time, using named expiring pseudo-locks in a shared backend.
package lock

import (
	"strings"

	"ingest-platform/internal/domain"
)

// Lock name prefixes.
const (
	RefreshLockPrefix = "EXPORT_PROCESS_RUNNING_"
	// ExtractAndMergeLockPrefix is shared by every region's ingest lock so a
	// refresh can find them all with one prefix scan.
	ExtractAndMergeLockPrefix = "INGEST_PROCESS_RUNNING_STATE_"
	NormalizationLockPrefix   = "NORMALIZED_STATE_UPDATE_PROCESS_RUNNING_"
)

// RefreshLockName is the lock held while schema is refreshed from the
// operational database into the warehouse for instance.
func RefreshLockName(schema domain.SchemaType, instance domain.IngestInstance) string {
	return RefreshLockPrefix + strings.ToUpper(string(schema)) + "_" + string(instance)
}

// ExtractAndMergeLockName is the lock held while ingest for the region and
// instance writes to the state database.
func ExtractAndMergeLockName(regionCode string, instance domain.IngestInstance) string {
	return ExtractAndMergeLockPrefix + strings.ToUpper(regionCode) + "_" + string(instance)
}

// NormalizationLockName is the lock held while the normalized state dataset
// for instance is rebuilt.
func NormalizationLockName(instance domain.IngestInstance) string {
	return NormalizationLockPrefix + string(instance)
}
