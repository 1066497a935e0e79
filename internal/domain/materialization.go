package domain

import (
	"fmt"
	"time"
)

// MaterializationArgs identifies one unit of ingest view materialization work.
// All four fields together form the idempotence key.
type MaterializationArgs struct {
	IngestViewName              string
	IngestInstance              IngestInstance
	LowerBoundDatetimeExclusive *time.Time
	UpperBoundDatetimeInclusive time.Time
}

// Validate checks the bound ordering invariant.
func (a MaterializationArgs) Validate() error {
	if a.IngestViewName == "" {
		return ErrValidation("ingest view name is required")
	}
	if !a.IngestInstance.Valid() {
		return ErrValidation("invalid ingest instance %q", a.IngestInstance)
	}
	if a.UpperBoundDatetimeInclusive.IsZero() {
		return ErrValidation("upper bound datetime is required for view %q", a.IngestViewName)
	}
	if a.LowerBoundDatetimeExclusive != nil &&
		!a.LowerBoundDatetimeExclusive.Before(a.UpperBoundDatetimeInclusive) {
		return ErrValidation("lower bound %s must be before upper bound %s for view %q",
			a.LowerBoundDatetimeExclusive.Format(time.RFC3339Nano),
			a.UpperBoundDatetimeInclusive.Format(time.RFC3339Nano),
			a.IngestViewName)
	}
	return nil
}

// Equal reports whether both args describe the same materialization job.
func (a MaterializationArgs) Equal(b MaterializationArgs) bool {
	if a.IngestViewName != b.IngestViewName || a.IngestInstance != b.IngestInstance {
		return false
	}
	if !a.UpperBoundDatetimeInclusive.Equal(b.UpperBoundDatetimeInclusive) {
		return false
	}
	if (a.LowerBoundDatetimeExclusive == nil) != (b.LowerBoundDatetimeExclusive == nil) {
		return false
	}
	return a.LowerBoundDatetimeExclusive == nil ||
		a.LowerBoundDatetimeExclusive.Equal(*b.LowerBoundDatetimeExclusive)
}

func (a MaterializationArgs) String() string {
	lower := "NULL"
	if a.LowerBoundDatetimeExclusive != nil {
		lower = a.LowerBoundDatetimeExclusive.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s/%s (%s, %s]", a.IngestViewName, a.IngestInstance,
		lower, a.UpperBoundDatetimeInclusive.Format(time.RFC3339Nano))
}

// MaterializationMetadataRecord tracks one registered materialization job.
type MaterializationMetadataRecord struct {
	RegionCode                  string
	Instance                    IngestInstance
	IngestViewName              string
	LowerBoundDatetimeExclusive *time.Time
	UpperBoundDatetimeInclusive time.Time
	JobCreationTime             time.Time
	MaterializationTime         *time.Time
	IsInvalidated               bool
}

// Args returns the materialization args this record was registered for.
func (r MaterializationMetadataRecord) Args() MaterializationArgs {
	return MaterializationArgs{
		IngestViewName:              r.IngestViewName,
		IngestInstance:              r.Instance,
		LowerBoundDatetimeExclusive: r.LowerBoundDatetimeExclusive,
		UpperBoundDatetimeInclusive: r.UpperBoundDatetimeInclusive,
	}
}

// DateBoundPair is one delta window between two raw data snapshots.
type DateBoundPair struct {
	LowerBoundDatetimeExclusive *time.Time
	UpperBoundDatetimeInclusive time.Time
}

// ArgsFor builds materialization args for the given view and instance.
func (p DateBoundPair) ArgsFor(viewName string, instance IngestInstance) MaterializationArgs {
	return MaterializationArgs{
		IngestViewName:              viewName,
		IngestInstance:              instance,
		LowerBoundDatetimeExclusive: p.LowerBoundDatetimeExclusive,
		UpperBoundDatetimeInclusive: p.UpperBoundDatetimeInclusive,
	}
}

// MaterializationMethod controls how date bounds are discovered.
type MaterializationMethod string

// Materialization methods.
const (
	// MaterializationMethodOriginal emits one delta per day that received raw data.
	MaterializationMethodOriginal MaterializationMethod = "original"
	// MaterializationMethodLatest emits a single historical query up to the latest snapshot.
	MaterializationMethodLatest MaterializationMethod = "latest"
)

// IngestViewMaterializationSummary describes materialization progress for one view.
type IngestViewMaterializationSummary struct {
	IngestViewName           string
	NumPendingJobs           int
	NumMaterializedJobs      int
	CompletedJobsMaxDatetime *time.Time
	PendingJobsMinDatetime   *time.Time
}
