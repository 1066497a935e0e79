// Package materialization computes date-bounded ingest view deltas and
// persists each one exactly once.
package materialization

import (
	"fmt"
	"strings"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/warehouse"
)

// Columns appended to every persisted ingest view result row.
const (
	MaterializationTimeCol = "__materialization_time"
	UpperBoundDatetimeCol  = "__upper_bound_datetime_inclusive"
	LowerBoundDatetimeCol  = "__lower_bound_datetime_exclusive"
)

const tableNameDateFormat = "2006_01_02_15_04_05"

// UpperBoundTableName names the intermediate table holding the view as of the
// upper bound.
func UpperBoundTableName(args domain.MaterializationArgs, requestID string) string {
	return fmt.Sprintf("%s_%s_upper_bound_%s", args.IngestViewName,
		args.UpperBoundDatetimeInclusive.UTC().Format(tableNameDateFormat), requestID)
}

// LowerBoundTableName names the intermediate table holding the view as of the
// lower bound. args must have a lower bound.
func LowerBoundTableName(args domain.MaterializationArgs, requestID string) (string, error) {
	if args.LowerBoundDatetimeExclusive == nil {
		return "", domain.ErrValidation("expected non-null lower bound for args %s", args)
	}
	return fmt.Sprintf("%s_%s_lower_bound_%s", args.IngestViewName,
		args.LowerBoundDatetimeExclusive.UTC().Format(tableNameDateFormat), requestID), nil
}

// DateDiffQuery returns the rows of mainQuery that filterQuery does not return.
func DateDiffQuery(d warehouse.Dialect, mainQuery, filterQuery string) string {
	mainQuery = strings.TrimRight(strings.TrimSpace(mainQuery), ";")
	filterQuery = strings.TrimRight(strings.TrimSpace(filterQuery), ";")
	return fmt.Sprintf("(\n%s\n) %s (\n%s\n);", mainQuery, d.ExceptDistinct(), filterQuery)
}

// DebugStatements renders the materialization of args as a script that builds
// both bound snapshots as temporary tables and then selects their delta. The
// last statement returns the rows.
func DebugStatements(d warehouse.Dialect, view *region.ViewQueryBuilder, rawDataSourceInstance domain.IngestInstance, args domain.MaterializationArgs, requestID string) ([]string, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	upperTable := UpperBoundTableName(args, requestID)
	upperBound := args.UpperBoundDatetimeInclusive
	upperQuery, err := view.BuildQuery(d, region.QueryStructureConfig{
		RawDataSourceInstance:      rawDataSourceInstance,
		RawDataDatetimeUpperBound:  &upperBound,
		DestinationTableType:       region.DestinationTemporary,
		DestinationTable:           upperTable,
		RawTableSubqueryNamePrefix: "upper_",
		UseOrderBy:                 true,
	})
	if err != nil {
		return nil, err
	}
	statements := []string{upperQuery}

	final := "SELECT * FROM " + upperTable
	if args.LowerBoundDatetimeExclusive != nil {
		lowerTable, err := LowerBoundTableName(args, requestID)
		if err != nil {
			return nil, err
		}
		lowerQuery, err := view.BuildQuery(d, region.QueryStructureConfig{
			RawDataSourceInstance:      rawDataSourceInstance,
			RawDataDatetimeUpperBound:  args.LowerBoundDatetimeExclusive,
			DestinationTableType:       region.DestinationTemporary,
			DestinationTable:           lowerTable,
			RawTableSubqueryNamePrefix: "lower_",
			UseOrderBy:                 true,
		})
		if err != nil {
			return nil, err
		}
		statements = append(statements, lowerQuery)
		final = DateDiffQuery(d, final, "SELECT * FROM "+lowerTable)
	}

	return append(statements, region.AddOrderBySuffix(final, view.OrderByCols)), nil
}

// DebugQueryForArgs joins DebugStatements into one script that can be pasted
// into a warehouse console.
func DebugQueryForArgs(d warehouse.Dialect, view *region.ViewQueryBuilder, rawDataSourceInstance domain.IngestInstance, args domain.MaterializationArgs, requestID string) (string, error) {
	statements, err := DebugStatements(d, view, rawDataSourceInstance, args, requestID)
	if err != nil {
		return "", err
	}
	return strings.Join(statements, "\n"), nil
}

// DataflowQueryForArgs renders the materialization of args as one query built
// only from nested CTEs. Its rows carry the materialization and bound columns.
func DataflowQueryForArgs(d warehouse.Dialect, view *region.ViewQueryBuilder, rawDataSourceInstance domain.IngestInstance, args domain.MaterializationArgs, requestID string) (string, error) {
	if err := args.Validate(); err != nil {
		return "", err
	}

	upperTable := UpperBoundTableName(args, requestID)
	upperBound := args.UpperBoundDatetimeInclusive
	upperQuery, err := view.BuildQuery(d, region.QueryStructureConfig{
		RawDataSourceInstance:     rawDataSourceInstance,
		RawDataDatetimeUpperBound: &upperBound,
	})
	if err != nil {
		return "", err
	}

	lowerCTE, lowerResults := "", ""
	lowerLiteral := d.NullDatetime()
	if args.LowerBoundDatetimeExclusive != nil {
		lowerTable, err := LowerBoundTableName(args, requestID)
		if err != nil {
			return "", err
		}
		lowerQuery, err := view.BuildQuery(d, region.QueryStructureConfig{
			RawDataSourceInstance:     rawDataSourceInstance,
			RawDataDatetimeUpperBound: args.LowerBoundDatetimeExclusive,
		})
		if err != nil {
			return "", err
		}
		lowerCTE = fmt.Sprintf("\n%s AS (\n%s\n),", lowerTable, lowerQuery)
		lowerResults = fmt.Sprintf("\n%s SELECT * FROM %s", d.ExceptDistinct(), lowerTable)
		lowerLiteral = d.DatetimeLiteral(*args.LowerBoundDatetimeExclusive)
	}

	return fmt.Sprintf(`
WITH %[1]s AS (
%[2]s
),%[3]s
date_diff AS (
    SELECT * FROM %[1]s%[4]s
)
SELECT *,
    %[5]s AS %[6]s,
    %[7]s AS %[8]s,
    %[9]s AS %[10]s
FROM date_diff;
`, upperTable, upperQuery, lowerCTE, lowerResults,
		d.CurrentDatetime(), MaterializationTimeCol,
		d.DatetimeLiteral(args.UpperBoundDatetimeInclusive), UpperBoundDatetimeCol,
		lowerLiteral, LowerBoundDatetimeCol), nil
}
