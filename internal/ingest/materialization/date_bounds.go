package materialization

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/warehouse"
)

// DateBoundDiscoverer finds the delta windows between successive raw data
// snapshots of the tables an ingest view reads.
type DateBoundDiscoverer struct {
	client warehouse.Client
	logger *slog.Logger
}

// NewDateBoundDiscoverer creates a DateBoundDiscoverer.
func NewDateBoundDiscoverer(client warehouse.Client, logger *slog.Logger) *DateBoundDiscoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DateBoundDiscoverer{client: client, logger: logger}
}

// DateBoundsQuery renders the query returning one row per delta window.
// ceilings maps each raw table file tag to the latest update_datetime that may
// be read. A nil ceiling means the table is missing or empty; it is left out of
// the union so that a table not yet created cannot fail the query.
func DateBoundsQuery(d warehouse.Dialect, regionCode string, instance domain.IngestInstance, ceilings map[string]*time.Time, method domain.MaterializationMethod) string {
	dataset := region.RawDataDataset(regionCode, instance)

	tags := make([]string, 0, len(ceilings))
	for tag, ceiling := range ceilings {
		if ceiling != nil {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		stmt := fmt.Sprintf("SELECT DISTINCT %[1]s, CAST(%[1]s AS DATE) AS update_date\n        FROM %[2]s WHERE %[1]s <= %[3]s",
			region.UpdateDatetimeCol, d.QualifiedTable(dataset, tag), d.DatetimeLiteral(*ceilings[tag]))
		parts = append(parts, "("+stmt+")")
	}
	union := strings.Join(parts, "\nUNION ALL\n        ")
	if union == "" {
		union = fmt.Sprintf("SELECT %s AS %s, CAST(NULL AS DATE) AS update_date LIMIT 0",
			d.NullDatetime(), region.UpdateDatetimeCol)
	}

	if method == domain.MaterializationMethodLatest {
		return fmt.Sprintf(`
SELECT
    MAX(%s) AS %s,
    %s AS %s
FROM (
        %s
) AS raw_data_dates;`, region.UpdateDatetimeCol, UpperBoundDatetimeCol, d.NullDatetime(), LowerBoundDatetimeCol, union)
	}

	return fmt.Sprintf(`
SELECT
    LAG(max_dt_on_date) OVER (
        ORDER BY update_date
    ) AS %s,
    max_dt_on_date AS %s
FROM (
    SELECT
        update_date AS update_date,
        MAX(%s) AS max_dt_on_date
    FROM (
        %s
    ) AS raw_data_dates
    GROUP BY update_date
) AS max_per_date
ORDER BY %s;`, LowerBoundDatetimeCol, UpperBoundDatetimeCol, region.UpdateDatetimeCol, union, UpperBoundDatetimeCol)
}

// Discover runs DateBoundsQuery and returns the windows in ascending order.
// A window without an upper bound is dropped, which is how an empty union
// surfaces in the latest-only mode.
func (b *DateBoundDiscoverer) Discover(ctx context.Context, regionCode string, instance domain.IngestInstance, ceilings map[string]*time.Time, method domain.MaterializationMethod) ([]domain.DateBoundPair, error) {
	query := DateBoundsQuery(b.client.Dialect(), regionCode, instance, ceilings, method)
	b.logger.Debug("discovering date bounds", "region", regionCode, "instance", instance, "query", query)

	job, err := b.client.RunQueryAsync(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("start date bounds query: %w", err)
	}
	rows, err := job.Result(ctx)
	if err != nil {
		return nil, fmt.Errorf("date bounds query: %w", err)
	}

	pairs := make([]domain.DateBoundPair, 0, len(rows))
	for _, row := range rows {
		upper, err := timeValue(row[UpperBoundDatetimeCol])
		if err != nil {
			return nil, fmt.Errorf("upper bound: %w", err)
		}
		if upper == nil {
			continue
		}
		lower, err := timeValue(row[LowerBoundDatetimeCol])
		if err != nil {
			return nil, fmt.Errorf("lower bound: %w", err)
		}
		pairs = append(pairs, domain.DateBoundPair{
			LowerBoundDatetimeExclusive: lower,
			UpperBoundDatetimeInclusive: *upper,
		})
	}
	return pairs, nil
}

// LatestRawDataTimestamps returns the max update_datetime of each raw table.
// Tables that do not exist or hold no rows map to nil.
func (b *DateBoundDiscoverer) LatestRawDataTimestamps(ctx context.Context, regionCode string, instance domain.IngestInstance, fileTags []string) (map[string]*time.Time, error) {
	d := b.client.Dialect()
	dataset := region.RawDataDataset(regionCode, instance)

	out := make(map[string]*time.Time, len(fileTags))
	for _, tag := range fileTags {
		ref := warehouse.TableRef{Dataset: dataset, Table: tag}
		exists, err := b.client.TableExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !exists {
			b.logger.Warn("raw data table missing", "region", regionCode, "instance", instance, "table", ref.String())
			out[tag] = nil
			continue
		}

		job, err := b.client.RunQueryAsync(ctx, fmt.Sprintf("SELECT MAX(%s) AS max_dt FROM %s",
			region.UpdateDatetimeCol, d.QualifiedTable(dataset, tag)))
		if err != nil {
			return nil, fmt.Errorf("start max update_datetime query for %s: %w", ref, err)
		}
		rows, err := job.Result(ctx)
		if err != nil {
			return nil, fmt.Errorf("max update_datetime for %s: %w", ref, err)
		}
		var latest *time.Time
		if len(rows) == 1 {
			if latest, err = timeValue(rows[0]["max_dt"]); err != nil {
				return nil, fmt.Errorf("max update_datetime for %s: %w", ref, err)
			}
		}
		out[tag] = latest
	}
	return out, nil
}

// timeValue converts a warehouse datetime value to UTC.
func timeValue(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC()
		return &u, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		u := t.UTC()
		return &u, nil
	}
	return nil, fmt.Errorf("unexpected datetime value of type %T", v)
}

// HasRawData reports whether any raw table behind ceilings holds data.
func HasRawData(ceilings map[string]*time.Time) bool {
	for _, c := range ceilings {
		if c != nil {
			return true
		}
	}
	return false
}
