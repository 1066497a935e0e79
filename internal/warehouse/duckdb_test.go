package warehouse

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
)

func newTestDuckDB(t *testing.T) *DuckDBClient {
	t.Helper()
	client, err := OpenDuckDB("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDuckDBClient_DatasetAndTableLifecycle(t *testing.T) {
	client := newTestDuckDB(t)
	ctx := context.Background()

	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "us_xx_raw_data", 24*time.Hour))
	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "us_xx_raw_data", 0))

	ref := TableRef{Dataset: "us_xx_raw_data", Table: "people"}
	require.NoError(t, client.CreateTableWithSchema(ctx, ref, []Column{
		{Name: "id", Type: ColumnString},
		{Name: "update_datetime", Type: ColumnDatetime},
	}))

	err := client.CreateTableWithSchema(ctx, ref, []Column{{Name: "id", Type: ColumnString}})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	exists, err := client.TableExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	tables, err := client.ListTables(ctx, "us_xx_raw_data")
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, tables)

	require.NoError(t, client.DeleteTable(ctx, ref, false))
	require.NoError(t, client.DeleteTable(ctx, ref, true))

	err = client.DeleteTable(ctx, ref, false)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, client.DeleteDataset(ctx, "us_xx_raw_data", true, false))
	require.NoError(t, client.DeleteDataset(ctx, "us_xx_raw_data", true, true))
	require.ErrorAs(t, client.DeleteDataset(ctx, "us_xx_raw_data", true, false), &notFound)
}

func TestDuckDBClient_QueryJobs(t *testing.T) {
	client := newTestDuckDB(t)
	ctx := context.Background()
	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "tmp", 0))

	dest := TableRef{Dataset: "tmp", Table: "numbers"}
	job, err := client.LoadQueryIntoTable(ctx, "SELECT range AS n FROM range(5);", dest)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID())
	_, err = job.Result(ctx)
	require.NoError(t, err)

	// Loading again replaces the table.
	job, err = client.LoadQueryIntoTable(ctx, "SELECT range AS n FROM range(3)", dest)
	require.NoError(t, err)
	_, err = job.Result(ctx)
	require.NoError(t, err)

	job, err = client.RunQueryAsync(ctx, `SELECT count(*) AS c FROM "tmp"."numbers"`)
	require.NoError(t, err)
	rows, err := job.Result(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0]["c"])

	job, err = client.DeleteFromTableAsync(ctx, dest, "n > 0")
	require.NoError(t, err)
	_, err = job.Result(ctx)
	require.NoError(t, err)

	rows, err = client.ExecScript(ctx, []string{`SELECT count(*) AS c FROM "tmp"."numbers"`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["c"])

	job, err = client.RunQueryAsync(ctx, "SELECT * FROM missing_table")
	require.NoError(t, err)
	_, err = job.Result(ctx)
	require.Error(t, err)
}

func TestDuckDBClient_SaveQueryResultsAppendsByName(t *testing.T) {
	client := newTestDuckDB(t)
	ctx := context.Background()
	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "results", 0))

	dest := TableRef{Dataset: "results", Table: "person"}
	require.NoError(t, client.SaveQueryResults(ctx, "SELECT 'a' AS id, 1 AS v", dest))
	require.NoError(t, client.SaveQueryResults(ctx, "SELECT 2 AS v, 'b' AS id", dest))

	rows, err := client.ExecScript(ctx, []string{`SELECT id, v FROM "results"."person" ORDER BY id`})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["id"])
	assert.Equal(t, "b", rows[1]["id"])
	assert.EqualValues(t, 2, rows[1]["v"])
}

func TestDuckDBClient_CopyDatasetTables(t *testing.T) {
	client := newTestDuckDB(t)
	ctx := context.Background()

	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "src", 0))
	require.NoError(t, client.SaveQueryResults(ctx, "SELECT 1 AS x", TableRef{Dataset: "src", Table: "t1"}))
	require.NoError(t, client.SaveQueryResults(ctx, "SELECT 2 AS x", TableRef{Dataset: "src", Table: "t2"}))

	require.NoError(t, client.CopyDatasetTables(ctx, "src", "dst", false))
	tables, err := client.ListTables(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tables)

	err = client.CopyDatasetTables(ctx, "src", "dst", false)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, client.CopyDatasetTables(ctx, "src", "dst", true))
}

func TestDuckDBClient_ExecScriptKeepsTempTables(t *testing.T) {
	client := newTestDuckDB(t)
	d := client.Dialect()

	rows, err := client.ExecScript(context.Background(), []string{
		d.CreateTableAs("upper_t", true, 0, "SELECT 1 AS x UNION ALL SELECT 2 AS x"),
		d.CreateTableAs("lower_t", true, 0, "SELECT 1 AS x"),
		"(SELECT * FROM upper_t) " + d.ExceptDistinct() + " (SELECT * FROM lower_t)",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["x"])
}

func TestDialects(t *testing.T) {
	ts := time.Date(2024, 2, 3, 4, 5, 6, 7000, time.UTC)

	tests := []struct {
		name      string
		dialect   Dialect
		wantTable string
		wantLit   string
		wantNull  string
	}{
		{
			name:      "duckdb",
			dialect:   DuckDBDialect{},
			wantTable: `"ds"."t"`,
			wantLit:   "TIMESTAMP '2024-02-03 04:05:06.000007'",
			wantNull:  "CAST(NULL AS TIMESTAMP)",
		},
		{
			name:      "bigquery",
			dialect:   BigQueryDialect{ProjectID: "recidiviz-staging"},
			wantTable: "`recidiviz-staging.ds.t`",
			wantLit:   `DATETIME "2024-02-03T04:05:06.000007"`,
			wantNull:  "CAST(NULL AS DATETIME)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTable, tt.dialect.QualifiedTable("ds", "t"))
			assert.Equal(t, tt.wantLit, tt.dialect.DatetimeLiteral(ts))
			assert.Equal(t, tt.wantNull, tt.dialect.NullDatetime())
		})
	}

	bq := BigQueryDialect{ProjectID: "p"}
	assert.Contains(t, bq.CreateTableAs("`p.d.t`", false, 24*time.Hour, "SELECT 1;"), "INTERVAL 24 HOUR")
	assert.Equal(t, "CREATE TEMP TABLE t AS (\nSELECT 1\n);", bq.CreateTableAs("t", true, 0, "SELECT 1;"))
}
