package region

import (
	"fmt"
	"strings"
	"time"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/warehouse"
)

// TempTableExpiration is the lifetime of tables built with
// DestinationPermanentExpiring.
const TempTableExpiration = 24 * time.Hour

// DestinationTableType controls whether a built query also creates a table.
type DestinationTableType int

// Destination table types.
const (
	// DestinationNone yields a bare SELECT.
	DestinationNone DestinationTableType = iota
	// DestinationTemporary wraps the query in CREATE TEMP TABLE.
	DestinationTemporary
	// DestinationPermanentExpiring wraps the query in CREATE OR REPLACE TABLE
	// with a TempTableExpiration lifetime where the warehouse supports it.
	DestinationPermanentExpiring
)

// QueryStructureConfig parameterizes one rendering of an ingest view.
type QueryStructureConfig struct {
	RawDataSourceInstance     domain.IngestInstance
	RawDataDatetimeUpperBound *time.Time
	DestinationTableType      DestinationTableType
	DestinationDataset        string
	DestinationTable          string
	// RawTableSubqueryNamePrefix prefixes the generated raw table CTE names so
	// that two renderings can share one script.
	RawTableSubqueryNamePrefix string
	UseOrderBy                 bool
}

// ViewQueryBuilder renders the query of one ingest view.
type ViewQueryBuilder struct {
	RegionCode  string
	ViewName    string
	Template    string
	OrderByCols []string
	RawTables   []RawTableConfig
}

// RawTableDependencies returns the file tags the view reads.
func (b *ViewQueryBuilder) RawTableDependencies() []string {
	tags := make([]string, 0, len(b.RawTables))
	for _, t := range b.RawTables {
		tags = append(tags, t.FileTag)
	}
	return tags
}

// BuildQuery renders the view over the latest version of each raw row received
// at or before cfg.RawDataDatetimeUpperBound. A nil bound reads every row.
func (b *ViewQueryBuilder) BuildQuery(d warehouse.Dialect, cfg QueryStructureConfig) (string, error) {
	if cfg.DestinationTableType != DestinationNone && cfg.DestinationTable == "" {
		return "", domain.ErrValidation("view %s: destination table is required", b.ViewName)
	}
	if cfg.DestinationTableType == DestinationNone && cfg.DestinationTable != "" {
		return "", domain.ErrValidation("view %s: destination table set without a destination type", b.ViewName)
	}

	ctes := make([]string, 0, len(b.RawTables))
	replacements := make([]string, 0, 2*len(b.RawTables))
	dataset := RawDataDataset(b.RegionCode, cfg.RawDataSourceInstance)
	for _, t := range b.RawTables {
		name := cfg.RawTableSubqueryNamePrefix + t.FileTag + "_generated_view"
		ctes = append(ctes, latestVersionCTE(d, name, d.QualifiedTable(dataset, t.FileTag), t, cfg.RawDataDatetimeUpperBound))
		replacements = append(replacements, "{"+t.FileTag+"}", name)
	}

	body := strings.NewReplacer(replacements...).Replace(strings.TrimSpace(b.Template))
	body = strings.TrimRight(body, "; \n\t")

	var query string
	if rest, ok := cutWith(body); ok {
		query = "WITH\n" + strings.Join(ctes, ",\n") + ",\n" + rest
	} else {
		query = "WITH\n" + strings.Join(ctes, ",\n") + "\n" + body
	}

	if cfg.UseOrderBy {
		query = AddOrderBySuffix(query, b.OrderByCols)
	}

	switch cfg.DestinationTableType {
	case DestinationTemporary:
		return d.CreateTableAs(cfg.DestinationTable, true, 0, query), nil
	case DestinationPermanentExpiring:
		return d.CreateTableAs(d.QualifiedTable(cfg.DestinationDataset, cfg.DestinationTable), false, TempTableExpiration, query), nil
	}
	return query, nil
}

// AddOrderBySuffix strips a trailing semicolon and appends ORDER BY cols.
func AddOrderBySuffix(query string, cols []string) string {
	query = strings.TrimRight(strings.TrimSpace(query), ";")
	if len(cols) == 0 {
		return query + ";"
	}
	return query + "\nORDER BY " + strings.Join(cols, ", ") + ";"
}

func latestVersionCTE(d warehouse.Dialect, name, table string, t RawTableConfig, bound *time.Time) string {
	cols := strings.Join(t.Columns, ", ")
	where := ""
	if bound != nil {
		where = fmt.Sprintf("\n        WHERE %s <= %s", UpdateDatetimeCol, d.DatetimeLiteral(*bound))
	}
	return fmt.Sprintf(`%s AS (
    SELECT %s
    FROM (
        SELECT %s,
            ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS recency_rank
        FROM %s%s
    ) AS ranked
    WHERE recency_rank = 1
)`, name, cols, cols, strings.Join(t.PrimaryKeys, ", "), UpdateDatetimeCol, table, where)
}

// cutWith reports whether body opens its own WITH clause and returns the text
// after the keyword.
func cutWith(body string) (string, bool) {
	if len(body) < 5 || !strings.EqualFold(body[:4], "WITH") {
		return "", false
	}
	switch body[4] {
	case ' ', '\n', '\t', '\r':
		return strings.TrimLeft(body[4:], " \n\t\r"), true
	}
	return "", false
}
