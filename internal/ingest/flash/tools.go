// Package flash moves ingest results and raw data between the PRIMARY and
// SECONDARY instances of a region.
package flash

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/materialization"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/warehouse"
)

// BackupTableExpiration is the default lifetime of tables in backup datasets.
const BackupTableExpiration = 30 * 24 * time.Hour

const backupSuffixFormat = "2006_01_02_15_04_05"

// BackupDatasetName returns dataset suffixed with the time of the backup.
func BackupDatasetName(dataset string, at time.Time) string {
	return dataset + "_" + at.UTC().Format(backupSuffixFormat)
}

// MoveResultsToBackup copies the instance's ingest view results into a
// timestamped backup dataset and deletes the source dataset. It returns the
// backup dataset name.
func MoveResultsToBackup(ctx context.Context, client warehouse.Client, regionCode string, instance domain.IngestInstance, at time.Time) (string, error) {
	source := materialization.ResultsDataset(regionCode, instance)
	return backupAndMaybeDelete(ctx, client, source, at, true)
}

// CopyRawDataToBackup copies the instance's raw data tables into a timestamped
// backup dataset, leaving the source in place.
func CopyRawDataToBackup(ctx context.Context, client warehouse.Client, regionCode string, instance domain.IngestInstance, at time.Time) (string, error) {
	source := region.RawDataDataset(regionCode, instance)
	return backupAndMaybeDelete(ctx, client, source, at, false)
}

func backupAndMaybeDelete(ctx context.Context, client warehouse.Client, source string, at time.Time, deleteSource bool) (string, error) {
	backup := BackupDatasetName(source, at)
	if err := client.CreateDatasetIfNecessary(ctx, backup, BackupTableExpiration); err != nil {
		return "", err
	}
	if err := client.CopyDatasetTables(ctx, source, backup, false); err != nil {
		return "", fmt.Errorf("back up %s: %w", source, err)
	}
	if deleteSource {
		if err := client.DeleteDataset(ctx, source, true, true); err != nil {
			return "", err
		}
	}
	return backup, nil
}

// MoveResultsBetweenInstances moves the ingest view results of src into the
// results dataset of dst and deletes the source dataset. Destination tables
// must not exist yet.
func MoveResultsBetweenInstances(ctx context.Context, client warehouse.Client, regionCode string, src, dst domain.IngestInstance) error {
	if src == dst {
		return domain.ErrValidation("cannot move results of %s onto itself", src)
	}
	source := materialization.ResultsDataset(regionCode, src)
	destination := materialization.ResultsDataset(regionCode, dst)
	if err := client.CreateDatasetIfNecessary(ctx, destination, 0); err != nil {
		return err
	}
	if err := client.CopyDatasetTables(ctx, source, destination, false); err != nil {
		return fmt.Errorf("move results %s to %s: %w", source, destination, err)
	}
	return client.DeleteDataset(ctx, source, true, true)
}

// CopyRawDataBetweenInstances copies raw data tables from src to dst,
// overwriting destination tables and leaving the source in place.
func CopyRawDataBetweenInstances(ctx context.Context, client warehouse.Client, regionCode string, src, dst domain.IngestInstance) error {
	if src == dst {
		return domain.ErrValidation("cannot copy raw data of %s onto itself", src)
	}
	destination := region.RawDataDataset(regionCode, dst)
	if err := client.CreateDatasetIfNecessary(ctx, destination, 0); err != nil {
		return err
	}
	return client.CopyDatasetTables(ctx, region.RawDataDataset(regionCode, src), destination, true)
}

// DeleteRawDataTableContents deletes every row of every raw data table of the
// instance, keeping the tables.
func DeleteRawDataTableContents(ctx context.Context, client warehouse.Client, regionCode string, instance domain.IngestInstance) error {
	dataset := region.RawDataDataset(regionCode, instance)
	tables, err := client.ListTables(ctx, dataset)
	if err != nil {
		return err
	}

	jobs := make([]warehouse.Job, 0, len(tables))
	for _, table := range tables {
		job, err := client.DeleteFromTableAsync(ctx, warehouse.TableRef{Dataset: dataset, Table: table}, "")
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			_, err := job.Result(gctx)
			return err
		})
	}
	return g.Wait()
}
