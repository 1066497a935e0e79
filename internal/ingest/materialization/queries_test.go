package materialization

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/warehouse"
)

func TestDateDiffQuery(t *testing.T) {
	bq := warehouse.BigQueryDialect{ProjectID: "proj"}
	got := DateDiffQuery(bq, "SELECT * FROM a;", "  SELECT * FROM b  ")
	assert.Equal(t, "(\nSELECT * FROM a\n) EXCEPT DISTINCT (\nSELECT * FROM b\n);", got)

	got = DateDiffQuery(warehouse.DuckDBDialect{}, "SELECT 1", "SELECT 2")
	assert.Equal(t, "(\nSELECT 1\n) EXCEPT (\nSELECT 2\n);", got)
}

func personView(t *testing.T) *region.ViewQueryBuilder {
	t.Helper()
	registry, err := region.LoadDirectory("../region/testdata")
	require.NoError(t, err)
	r, err := registry.Get("us_xx")
	require.NoError(t, err)
	view, err := r.View("person")
	require.NoError(t, err)
	return view
}

func TestDebugQueryForArgs(t *testing.T) {
	view := personView(t)
	d := warehouse.BigQueryDialect{ProjectID: "proj"}

	t.Run("with lower bound", func(t *testing.T) {
		q, err := DebugQueryForArgs(d, view, domain.IngestInstancePrimary, personArgs(timePtr(day1), day2), "abcd1234")
		require.NoError(t, err)

		assert.Contains(t, q, "CREATE TEMP TABLE person_2024_01_02_09_00_00_upper_bound_abcd1234 AS (")
		assert.Contains(t, q, "CREATE TEMP TABLE person_2024_01_01_10_00_00_lower_bound_abcd1234 AS (")
		assert.Contains(t, q, "upper_people_generated_view")
		assert.Contains(t, q, "lower_people_generated_view")
		assert.Contains(t, q, "EXCEPT DISTINCT")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(q), "ORDER BY person_id;"))
	})

	t.Run("without lower bound", func(t *testing.T) {
		statements, err := DebugStatements(d, view, domain.IngestInstancePrimary, personArgs(nil, day2), "abcd1234")
		require.NoError(t, err)
		require.Len(t, statements, 2)
		assert.NotContains(t, statements[1], "EXCEPT")
		assert.Contains(t, statements[1], "SELECT * FROM person_2024_01_02_09_00_00_upper_bound_abcd1234")
	})

	t.Run("invalid args", func(t *testing.T) {
		_, err := DebugQueryForArgs(d, view, domain.IngestInstancePrimary, personArgs(timePtr(day2), day2), "abcd1234")
		var validation *domain.ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}

func TestDataflowQueryForArgs(t *testing.T) {
	view := personView(t)
	d := warehouse.BigQueryDialect{ProjectID: "proj"}

	q, err := DataflowQueryForArgs(d, view, domain.IngestInstanceSecondary, personArgs(timePtr(day1), day2), "abcd1234")
	require.NoError(t, err)
	assert.Contains(t, q, "WITH person_2024_01_02_09_00_00_upper_bound_abcd1234 AS (")
	assert.Contains(t, q, "person_2024_01_01_10_00_00_lower_bound_abcd1234 AS (")
	assert.Contains(t, q, "`proj.us_xx_raw_data_secondary.people`")
	assert.Contains(t, q, "EXCEPT DISTINCT SELECT * FROM person_2024_01_01_10_00_00_lower_bound_abcd1234")
	assert.Contains(t, q, `DATETIME "2024-01-02T09:00:00.000000" AS __upper_bound_datetime_inclusive`)
	assert.Contains(t, q, `DATETIME "2024-01-01T10:00:00.000000" AS __lower_bound_datetime_exclusive`)
	assert.NotContains(t, q, "CREATE")

	q, err = DataflowQueryForArgs(d, view, domain.IngestInstancePrimary, personArgs(nil, day2), "abcd1234")
	require.NoError(t, err)
	assert.Contains(t, q, "CAST(NULL AS DATETIME) AS __lower_bound_datetime_exclusive")
	assert.NotContains(t, q, "lower_bound_abcd1234")
}
