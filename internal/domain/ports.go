package domain

import (
	"context"
	"time"
)

// InstanceStatusRepository persists the append-only instance status log.
// Implemented by repository.InstanceStatusRepo.
type InstanceStatusRepository interface {
	// Append inserts a status row. It fails with a ConflictError when the
	// timestamp does not exceed every prior timestamp for the (region, instance).
	Append(ctx context.Context, rec InstanceStatusRecord) error
	// Current returns the most recent row for the (region, instance), or a
	// NotFoundError when the log is empty.
	Current(ctx context.Context, regionCode string, instance IngestInstance) (*InstanceStatusRecord, error)
	// List returns rows for the (region, instance) newest first.
	List(ctx context.Context, regionCode string, instance IngestInstance, limit int) ([]InstanceStatusRecord, error)
}

// MaterializationMetadataRepository persists which materialization jobs were
// registered and completed. Implemented by repository.MaterializationMetadataRepo.
type MaterializationMetadataRepository interface {
	Register(ctx context.Context, regionCode string, args MaterializationArgs, jobCreationTime time.Time) (*MaterializationMetadataRecord, error)
	Get(ctx context.Context, regionCode string, args MaterializationArgs) (*MaterializationMetadataRecord, error)
	// MarkMaterialized sets materialization_time on the pending row. It returns a
	// ConflictError when no pending row exists, which includes the case where a
	// concurrent job already completed the same args.
	MarkMaterialized(ctx context.Context, regionCode string, args MaterializationArgs, materializationTime time.Time) error
	ListPending(ctx context.Context, regionCode string, instance IngestInstance) ([]MaterializationMetadataRecord, error)
	ListCompleted(ctx context.Context, regionCode string, instance IngestInstance, viewName string) ([]MaterializationMetadataRecord, error)
	MostRecentRegistered(ctx context.Context, regionCode string, instance IngestInstance, viewName string) (*MaterializationMetadataRecord, error)
	Summaries(ctx context.Context, regionCode string, instance IngestInstance) ([]IngestViewMaterializationSummary, error)
	InvalidateInstance(ctx context.Context, regionCode string, instance IngestInstance) (int64, error)
	TransferToInstance(ctx context.Context, regionCode string, from, to IngestInstance) (int64, error)
}

// PseudoLockBackend stores named locks with payloads and expirations.
// Implemented by repository.PseudoLockRepo, lock.GCSBackend and lock.RedisBackend.
type PseudoLockBackend interface {
	// Lock creates the named lock, or renews it when it is held with the same
	// payload. A live lock held with a different payload yields a ConflictError.
	Lock(ctx context.Context, name, payload string, ttl time.Duration) error
	// Unlock deletes the named lock. A missing lock yields a NotFoundError.
	Unlock(ctx context.Context, name string) error
	IsLocked(ctx context.Context, name string) (bool, error)
	// GetLockPayload returns the payload of a live lock or a NotFoundError.
	GetLockPayload(ctx context.Context, name string) (string, error)
	// NoActiveLocksWithPrefix reports whether no live lock exists whose name
	// starts with prefix and contains instance.
	NoActiveLocksWithPrefix(ctx context.Context, prefix, instance string) (bool, error)
}
