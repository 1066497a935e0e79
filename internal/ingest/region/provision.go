package region

import (
	"context"
	"errors"
	"fmt"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/warehouse"
)

// Schema returns the warehouse columns of the raw table: every declared column
// as a string followed by update_datetime.
func (t RawTableConfig) Schema() []warehouse.Column {
	cols := make([]warehouse.Column, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		cols = append(cols, warehouse.Column{Name: c, Type: warehouse.ColumnString})
	}
	return append(cols, warehouse.Column{Name: UpdateDatetimeCol, Type: warehouse.ColumnDatetime})
}

// ProvisionRawData creates the instance's raw data dataset and every raw table
// of r that does not exist yet. Existing tables are left untouched. It returns
// the file tags of the tables it created.
func ProvisionRawData(ctx context.Context, client warehouse.Client, r *Region, instance domain.IngestInstance) ([]string, error) {
	dataset := RawDataDataset(r.RegionCode, instance)
	if err := client.CreateDatasetIfNecessary(ctx, dataset, 0); err != nil {
		return nil, fmt.Errorf("create raw data dataset %s: %w", dataset, err)
	}

	var created []string
	for _, t := range r.RawTables {
		ref := warehouse.TableRef{Dataset: dataset, Table: t.FileTag}
		exists, err := client.TableExists(ctx, ref)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		err = client.CreateTableWithSchema(ctx, ref, t.Schema())
		var conflict *domain.ConflictError
		switch {
		case errors.As(err, &conflict):
			// Created concurrently.
			continue
		case err != nil:
			return created, fmt.Errorf("create raw table %s: %w", ref, err)
		}
		created = append(created, t.FileTag)
	}
	return created, nil
}
