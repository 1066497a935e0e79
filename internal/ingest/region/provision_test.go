package region

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/warehouse"
)

func TestRawTableConfig_Schema(t *testing.T) {
	people := loadTestRegion(t, "us_xx").RawTables[0]
	assert.Equal(t, []warehouse.Column{
		{Name: "ID", Type: warehouse.ColumnString},
		{Name: "Name", Type: warehouse.ColumnString},
		{Name: "Status", Type: warehouse.ColumnString},
		{Name: UpdateDatetimeCol, Type: warehouse.ColumnDatetime},
	}, people.Schema())
}

func TestProvisionRawData(t *testing.T) {
	client, err := warehouse.OpenDuckDB("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	r := loadTestRegion(t, "us_xx")

	// people already exists with data and must be kept.
	require.NoError(t, client.CreateDatasetIfNecessary(ctx, "us_xx_raw_data_secondary", 0))
	_, err = client.DB().Exec(`CREATE TABLE us_xx_raw_data_secondary.people AS
		SELECT '1' AS ID, 'Alice' AS Name, 'ACTIVE' AS Status, TIMESTAMP '2024-01-01 10:00:00' AS update_datetime`)
	require.NoError(t, err)

	created, err := ProvisionRawData(ctx, client, r, domain.IngestInstanceSecondary)
	require.NoError(t, err)
	assert.Equal(t, []string{"sentences"}, created)

	rows, err := client.ExecScript(ctx, []string{`SELECT count(*) AS n FROM us_xx_raw_data_secondary.people`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"])

	exists, err := client.TableExists(ctx, warehouse.TableRef{Dataset: "us_xx_raw_data_secondary", Table: "sentences"})
	require.NoError(t, err)
	assert.True(t, exists)

	created, err = ProvisionRawData(ctx, client, r, domain.IngestInstanceSecondary)
	require.NoError(t, err)
	assert.Empty(t, created)

	created, err = ProvisionRawData(ctx, client, r, domain.IngestInstancePrimary)
	require.NoError(t, err)
	assert.Equal(t, []string{"people", "sentences"}, created)
}
