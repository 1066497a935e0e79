package domain

import "strings"

// IngestInstance identifies one of the two parallel processing slots of a region.
type IngestInstance string

// Ingest instances.
const (
	IngestInstancePrimary   IngestInstance = "PRIMARY"
	IngestInstanceSecondary IngestInstance = "SECONDARY"
)

// AllIngestInstances lists every instance in a stable order.
var AllIngestInstances = []IngestInstance{IngestInstancePrimary, IngestInstanceSecondary}

// Valid reports whether i is a known instance.
func (i IngestInstance) Valid() bool {
	return i == IngestInstancePrimary || i == IngestInstanceSecondary
}

// Opposite returns the other instance.
func (i IngestInstance) Opposite() IngestInstance {
	if i == IngestInstancePrimary {
		return IngestInstanceSecondary
	}
	return IngestInstancePrimary
}

// DatasetSuffix returns the suffix appended to dataset names owned by this
// instance. PRIMARY datasets carry no suffix.
func (i IngestInstance) DatasetSuffix() string {
	if i == IngestInstanceSecondary {
		return "_secondary"
	}
	return ""
}

// ParseIngestInstance parses a case-insensitive instance name.
func ParseIngestInstance(s string) (IngestInstance, error) {
	inst := IngestInstance(strings.ToUpper(strings.TrimSpace(s)))
	if !inst.Valid() {
		return "", ErrValidation("unknown ingest instance %q", s)
	}
	return inst, nil
}

// SchemaType names a database schema whose contents are refreshed to the warehouse.
type SchemaType string

// Schema types.
const (
	SchemaTypeState         SchemaType = "STATE"
	SchemaTypeOperations    SchemaType = "OPERATIONS"
	SchemaTypeCaseTriage    SchemaType = "CASE_TRIAGE"
	SchemaTypeJusticeCounts SchemaType = "JUSTICE_COUNTS"
	SchemaTypePathways      SchemaType = "PATHWAYS"
	SchemaTypeOutliers      SchemaType = "OUTLIERS"
)

var schemaTypes = map[SchemaType]bool{
	SchemaTypeState:         true,
	SchemaTypeOperations:    true,
	SchemaTypeCaseTriage:    true,
	SchemaTypeJusticeCounts: true,
	SchemaTypePathways:      true,
	SchemaTypeOutliers:      true,
}

// ParseSchemaType parses a case-insensitive schema type name.
func ParseSchemaType(s string) (SchemaType, error) {
	st := SchemaType(strings.ToUpper(strings.TrimSpace(s)))
	if !schemaTypes[st] {
		return "", ErrValidation("unknown schema type %q", s)
	}
	return st, nil
}
