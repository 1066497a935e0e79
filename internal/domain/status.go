package domain

import (
	"strings"
	"time"
)

// DirectIngestStatus is the lifecycle status of an ingest instance.
type DirectIngestStatus string

// Statuses written by the current scheduler.
const (
	StatusInitialState                          DirectIngestStatus = "INITIAL_STATE"
	StatusRawDataReimportStarted                DirectIngestStatus = "RAW_DATA_REIMPORT_STARTED"
	StatusRawDataImportInProgress               DirectIngestStatus = "RAW_DATA_IMPORT_IN_PROGRESS"
	StatusReadyToFlash                          DirectIngestStatus = "READY_TO_FLASH"
	StatusFlashInProgress                       DirectIngestStatus = "FLASH_IN_PROGRESS"
	StatusFlashCompleted                        DirectIngestStatus = "FLASH_COMPLETED"
	StatusRawDataReimportCancellationInProgress DirectIngestStatus = "RAW_DATA_REIMPORT_CANCELLATION_IN_PROGRESS"
	StatusRawDataReimportCanceled               DirectIngestStatus = "RAW_DATA_REIMPORT_CANCELED"
	StatusRawDataUpToDate                       DirectIngestStatus = "RAW_DATA_UP_TO_DATE"
	StatusStaleRawData                          DirectIngestStatus = "STALE_RAW_DATA"
	StatusNoRawDataReimportInProgress           DirectIngestStatus = "NO_RAW_DATA_REIMPORT_IN_PROGRESS"
)

// Legacy statuses from the pre-pipeline ingest engine. They remain readable
// for historical rows and are never written.
const (
	LegacyStatusRerunWithRawDataImportStarted       DirectIngestStatus = "RERUN_WITH_RAW_DATA_IMPORT_STARTED"
	LegacyStatusStandardRerunStarted                DirectIngestStatus = "STANDARD_RERUN_STARTED"
	LegacyStatusBlockedOnPrimaryRawDataImport       DirectIngestStatus = "BLOCKED_ON_PRIMARY_RAW_DATA_IMPORT"
	LegacyStatusIngestViewMaterializationInProgress DirectIngestStatus = "INGEST_VIEW_MATERIALIZATION_IN_PROGRESS"
	LegacyStatusExtractAndMergeInProgress           DirectIngestStatus = "EXTRACT_AND_MERGE_IN_PROGRESS"
	LegacyStatusRerunCanceled                       DirectIngestStatus = "RERUN_CANCELED"
	LegacyStatusRerunCancellationInProgress         DirectIngestStatus = "RERUN_CANCELLATION_IN_PROGRESS"
	LegacyStatusUpToDate                            DirectIngestStatus = "UP_TO_DATE"
	LegacyStatusNoRerunInProgress                   DirectIngestStatus = "NO_RERUN_IN_PROGRESS"
)

// StatusFamily distinguishes statuses issued by current writers from those kept
// only for history.
type StatusFamily int

// Status families.
const (
	StatusFamilyUnknown StatusFamily = iota
	StatusFamilyCurrent
	StatusFamilyLegacy
)

var statusFamilies = map[DirectIngestStatus]StatusFamily{
	StatusInitialState:                          StatusFamilyCurrent,
	StatusRawDataReimportStarted:                StatusFamilyCurrent,
	StatusRawDataImportInProgress:               StatusFamilyCurrent,
	StatusReadyToFlash:                          StatusFamilyCurrent,
	StatusFlashInProgress:                       StatusFamilyCurrent,
	StatusFlashCompleted:                        StatusFamilyCurrent,
	StatusRawDataReimportCancellationInProgress: StatusFamilyCurrent,
	StatusRawDataReimportCanceled:               StatusFamilyCurrent,
	StatusRawDataUpToDate:                       StatusFamilyCurrent,
	StatusStaleRawData:                          StatusFamilyCurrent,
	StatusNoRawDataReimportInProgress:           StatusFamilyCurrent,

	LegacyStatusRerunWithRawDataImportStarted:       StatusFamilyLegacy,
	LegacyStatusStandardRerunStarted:                StatusFamilyLegacy,
	LegacyStatusBlockedOnPrimaryRawDataImport:       StatusFamilyLegacy,
	LegacyStatusIngestViewMaterializationInProgress: StatusFamilyLegacy,
	LegacyStatusExtractAndMergeInProgress:           StatusFamilyLegacy,
	LegacyStatusRerunCanceled:                       StatusFamilyLegacy,
	LegacyStatusRerunCancellationInProgress:         StatusFamilyLegacy,
	LegacyStatusUpToDate:                            StatusFamilyLegacy,
	LegacyStatusNoRerunInProgress:                   StatusFamilyLegacy,
}

// Family returns the family the status belongs to.
func (s DirectIngestStatus) Family() StatusFamily {
	return statusFamilies[s]
}

// IsLegacy reports whether s is a historical, read-only status.
func (s DirectIngestStatus) IsLegacy() bool {
	return s.Family() == StatusFamilyLegacy
}

// ParseDirectIngestStatus parses a status name of either family.
func ParseDirectIngestStatus(s string) (DirectIngestStatus, error) {
	st := DirectIngestStatus(strings.ToUpper(strings.TrimSpace(s)))
	if st.Family() == StatusFamilyUnknown {
		return "", ErrValidation("unknown ingest status %q", s)
	}
	return st, nil
}

// InstanceStatusRecord is one row of the append-only status log.
type InstanceStatusRecord struct {
	RegionCode      string
	Instance        IngestInstance
	StatusTimestamp time.Time
	Status          DirectIngestStatus
}
