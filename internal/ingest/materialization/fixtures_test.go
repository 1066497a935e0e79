package materialization

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingest-platform/internal/db"
	"ingest-platform/internal/db/repository"
	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/warehouse"
)

var (
	day1 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
)

type person struct {
	id, name, status string
	received         time.Time
}

// peopleFixture holds three raw data days. Day 3 re-sends Bob unchanged and
// sends Cara twice, so its delta is empty.
var peopleFixture = []person{
	{"1", "Alice", "ACTIVE", day1},
	{"2", "Bob", "ACTIVE", day1},
	{"1", "Alice", "INACTIVE", day2},
	{"3", "Cara", "ACTIVE", day2},
	{"2", "Bob", "ACTIVE", day3.Add(-4 * time.Hour)},
	{"3", "Cara", "ACTIVE", day3},
}

type testEnv struct {
	client   *warehouse.DuckDBClient
	metadata *repository.MaterializationMetadataRepo
	registry *region.Registry
	logger   *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := warehouse.OpenDuckDB("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	writeDB, _ := db.OpenTestSQLite(t)

	registry, err := region.LoadDirectory("../region/testdata")
	require.NoError(t, err)

	return &testEnv{
		client:   client,
		metadata: repository.NewMaterializationMetadataRepo(writeDB),
		registry: registry,
		logger:   logger,
	}
}

func (e *testEnv) region(t *testing.T, code string) *region.Region {
	t.Helper()
	r, err := e.registry.Get(code)
	require.NoError(t, err)
	return r
}

func (e *testEnv) materializer(t *testing.T, regionCode string, instance domain.IngestInstance) *Materializer {
	t.Helper()
	m, err := NewMaterializer(Config{
		Region:                e.region(t, regionCode),
		Env:                   region.EnvStaging,
		RawDataSourceInstance: instance,
		IngestInstance:        instance,
		Metadata:              e.metadata,
		Warehouse:             e.client,
		Logger:                e.logger,
	})
	require.NoError(t, err)
	return m
}

// seedPeople creates the us_xx people table for instance and loads rows.
func (e *testEnv) seedPeople(t *testing.T, instance domain.IngestInstance, rows []person) {
	t.Helper()
	ctx := context.Background()
	dataset := region.RawDataDataset("us_xx", instance)
	require.NoError(t, e.client.CreateDatasetIfNecessary(ctx, dataset, 0))
	require.NoError(t, e.client.CreateTableWithSchema(ctx, warehouse.TableRef{Dataset: dataset, Table: "people"}, []warehouse.Column{
		{Name: "ID", Type: warehouse.ColumnString},
		{Name: "Name", Type: warehouse.ColumnString},
		{Name: "Status", Type: warehouse.ColumnString},
		{Name: region.UpdateDatetimeCol, Type: warehouse.ColumnDatetime},
	}))
	for _, p := range rows {
		_, err := e.client.DB().Exec(
			fmt.Sprintf(`INSERT INTO "%s"."people" VALUES (?, ?, ?, ?)`, dataset),
			p.id, p.name, p.status, p.received)
		require.NoError(t, err)
	}
}

func (e *testEnv) seedSentences(t *testing.T, instance domain.IngestInstance) {
	t.Helper()
	ctx := context.Background()
	dataset := region.RawDataDataset("us_xx", instance)
	require.NoError(t, e.client.CreateTableWithSchema(ctx, warehouse.TableRef{Dataset: dataset, Table: "sentences"}, []warehouse.Column{
		{Name: "SentenceID", Type: warehouse.ColumnString},
		{Name: "ID", Type: warehouse.ColumnString},
		{Name: "Length", Type: warehouse.ColumnInteger},
		{Name: region.UpdateDatetimeCol, Type: warehouse.ColumnDatetime},
	}))
	_, err := e.client.DB().Exec(fmt.Sprintf(`INSERT INTO "%s"."sentences" VALUES
		('s1', '1', 30, TIMESTAMP '2024-01-01 10:00:00'),
		('s2', '3', 12, TIMESTAMP '2024-01-02 09:00:00')`, dataset))
	require.NoError(t, err)
}

func (e *testEnv) query(t *testing.T, statements ...string) []warehouse.Row {
	t.Helper()
	rows, err := e.client.ExecScript(context.Background(), statements)
	require.NoError(t, err)
	return rows
}

// canonical renders rows projected onto cols, sorted, for order-insensitive
// comparison.
func canonical(rows []warehouse.Row, cols ...string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			parts = append(parts, fmt.Sprint(row[c]))
		}
		out = append(out, strings.Join(parts, "|"))
	}
	sort.Strings(out)
	return out
}
