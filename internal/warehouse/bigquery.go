package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"ingest-platform/internal/domain"
)

var _ Client = (*BigQueryClient)(nil)

// BigQueryClient runs the warehouse on BigQuery.
type BigQueryClient struct {
	client    *bigquery.Client
	projectID string
	location  string
	logger    *slog.Logger
}

// NewBigQueryClient creates a client for projectID. location may be empty.
func NewBigQueryClient(ctx context.Context, projectID, location string, logger *slog.Logger, opts ...option.ClientOption) (*BigQueryClient, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	if location != "" {
		client.Location = location
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BigQueryClient{
		client:    client,
		projectID: projectID,
		location:  location,
		logger:    logger.With("component", "bigquery-warehouse", "project", projectID),
	}, nil
}

// Close closes the underlying client.
func (c *BigQueryClient) Close() error { return c.client.Close() }

// Dialect implements Client.
func (c *BigQueryClient) Dialect() Dialect { return BigQueryDialect{ProjectID: c.projectID} }

// RunQueryAsync implements Client.
func (c *BigQueryClient) RunQueryAsync(ctx context.Context, query string) (Job, error) {
	q := c.client.Query(query)
	q.DisableQueryCache = true
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("start query: %w", err)
	}
	return newBigQueryJob(job, nil), nil
}

// LoadQueryIntoTable implements Client.
func (c *BigQueryClient) LoadQueryIntoTable(ctx context.Context, query string, dest TableRef) (Job, error) {
	return c.runIntoTable(ctx, query, dest, bigquery.WriteTruncate)
}

// SaveQueryResults implements Client.
func (c *BigQueryClient) SaveQueryResults(ctx context.Context, query string, dest TableRef) error {
	job, err := c.runIntoTable(ctx, query, dest, bigquery.WriteAppend)
	if err != nil {
		return err
	}
	if _, err := job.Result(ctx); err != nil {
		return fmt.Errorf("save query results into %s: %w", dest, err)
	}
	return nil
}

func (c *BigQueryClient) runIntoTable(ctx context.Context, query string, dest TableRef, disposition bigquery.TableWriteDisposition) (Job, error) {
	q := c.client.Query(query)
	q.DisableQueryCache = true
	q.Dst = c.client.Dataset(dest.Dataset).Table(dest.Table)
	q.CreateDisposition = bigquery.CreateIfNeeded
	q.WriteDisposition = disposition
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("start query into %s: %w", dest, err)
	}
	c.logger.Debug("started query into table", "table", dest.String(), "job_id", job.ID())
	return newBigQueryJob(job, &dest), nil
}

// CreateDatasetIfNecessary implements Client.
func (c *BigQueryClient) CreateDatasetIfNecessary(ctx context.Context, dataset string, defaultTableExpiration time.Duration) error {
	ds := c.client.Dataset(dataset)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isHTTPCode(err, http.StatusNotFound) {
		return fmt.Errorf("get dataset %s: %w", dataset, err)
	}

	meta := &bigquery.DatasetMetadata{Location: c.location}
	if defaultTableExpiration > 0 {
		meta.DefaultTableExpiration = defaultTableExpiration
	}
	err = ds.Create(ctx, meta)
	if isHTTPCode(err, http.StatusConflict) {
		// Created concurrently.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	c.logger.Info("created dataset", "dataset", dataset)
	return nil
}

// CreateTableWithSchema implements Client.
func (c *BigQueryClient) CreateTableWithSchema(ctx context.Context, dest TableRef, schema []Column) error {
	bqSchema := make(bigquery.Schema, 0, len(schema))
	for _, col := range schema {
		typ, err := bigQueryType(col.Type)
		if err != nil {
			return err
		}
		bqSchema = append(bqSchema, &bigquery.FieldSchema{Name: col.Name, Type: typ})
	}
	err := c.client.Dataset(dest.Dataset).Table(dest.Table).Create(ctx, &bigquery.TableMetadata{Schema: bqSchema})
	if isHTTPCode(err, http.StatusConflict) {
		return domain.ErrConflict("table %s already exists", dest)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", dest, err)
	}
	return nil
}

// DeleteTable implements Client.
func (c *BigQueryClient) DeleteTable(ctx context.Context, ref TableRef, notFoundOK bool) error {
	err := c.client.Dataset(ref.Dataset).Table(ref.Table).Delete(ctx)
	if isHTTPCode(err, http.StatusNotFound) {
		if notFoundOK {
			return nil
		}
		return domain.ErrNotFound("table %s not found", ref)
	}
	if err != nil {
		return fmt.Errorf("delete table %s: %w", ref, err)
	}
	return nil
}

// ListTables implements Client.
func (c *BigQueryClient) ListTables(ctx context.Context, dataset string) ([]string, error) {
	it := c.client.Dataset(dataset).Tables(ctx)
	var tables []string
	for {
		t, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list tables in %s: %w", dataset, err)
		}
		tables = append(tables, t.TableID)
	}
	return tables, nil
}

// TableExists implements Client.
func (c *BigQueryClient) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	_, err := c.client.Dataset(ref.Dataset).Table(ref.Table).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isHTTPCode(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get table %s: %w", ref, err)
}

// CopyDatasetTables implements Client.
func (c *BigQueryClient) CopyDatasetTables(ctx context.Context, src, dst string, overwrite bool) error {
	tables, err := c.ListTables(ctx, src)
	if err != nil {
		return err
	}
	if err := c.CreateDatasetIfNecessary(ctx, dst, 0); err != nil {
		return err
	}

	disposition := bigquery.WriteEmpty
	if overwrite {
		disposition = bigquery.WriteTruncate
	}
	for _, table := range tables {
		copier := c.client.Dataset(dst).Table(table).CopierFrom(c.client.Dataset(src).Table(table))
		copier.WriteDisposition = disposition
		job, err := copier.Run(ctx)
		if err != nil {
			return fmt.Errorf("start copy of %s.%s: %w", src, table, err)
		}
		status, err := job.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait for copy of %s.%s: %w", src, table, err)
		}
		if err := status.Err(); err != nil {
			if isHTTPCode(err, http.StatusConflict) || strings.Contains(err.Error(), "Already Exists") {
				return domain.ErrConflict("table %s.%s already exists", dst, table)
			}
			return fmt.Errorf("copy %s.%s to %s: %w", src, table, dst, err)
		}
	}
	return nil
}

// DeleteDataset implements Client.
func (c *BigQueryClient) DeleteDataset(ctx context.Context, dataset string, deleteContents, notFoundOK bool) error {
	ds := c.client.Dataset(dataset)
	var err error
	if deleteContents {
		err = ds.DeleteWithContents(ctx)
	} else {
		err = ds.Delete(ctx)
	}
	if isHTTPCode(err, http.StatusNotFound) {
		if notFoundOK {
			return nil
		}
		return domain.ErrNotFound("dataset %s not found", dataset)
	}
	if err != nil {
		return fmt.Errorf("delete dataset %s: %w", dataset, err)
	}
	return nil
}

// DeleteFromTableAsync implements Client.
func (c *BigQueryClient) DeleteFromTableAsync(ctx context.Context, ref TableRef, filter string) (Job, error) {
	if filter == "" {
		filter = "TRUE"
	}
	return c.RunQueryAsync(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s",
		c.Dialect().QualifiedTable(ref.Dataset, ref.Table), filter))
}

// bigQueryJob wraps a query job. BigQuery reports a destination table for every
// query job, including the anonymous results table of a plain SELECT, so dest
// records the table the caller asked for instead.
type bigQueryJob struct {
	job  *bigquery.Job
	dest *TableRef
}

func newBigQueryJob(job *bigquery.Job, dest *TableRef) *bigQueryJob {
	return &bigQueryJob{job: job, dest: dest}
}

// returnsRows reports whether Result reads the job's rows back. Jobs writing
// into a caller-chosen table return none.
func (j *bigQueryJob) returnsRows() bool { return j.dest == nil }

func (j *bigQueryJob) ID() string { return j.job.ID() }

func (j *bigQueryJob) Result(ctx context.Context) ([]Row, error) {
	status, err := j.job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for job %s: %w", j.job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.job.ID(), err)
	}

	if !j.returnsRows() {
		return nil, nil
	}

	it, err := j.job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", j.job.ID(), err)
	}
	var rows []Row
	for {
		var values map[string]bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next row of job %s: %w", j.job.ID(), err)
		}
		row := make(Row, len(values))
		for k, v := range values {
			row[k] = normalizeBigQueryValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeBigQueryValue converts civil types to UTC time.Time so that rows
// from both warehouses compare equal.
func normalizeBigQueryValue(v bigquery.Value) any {
	switch t := v.(type) {
	case civil.DateTime:
		return t.In(time.UTC)
	case civil.Date:
		return t.In(time.UTC)
	}
	return v
}

func isHTTPCode(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func bigQueryType(t ColumnType) (bigquery.FieldType, error) {
	switch t {
	case ColumnString:
		return bigquery.StringFieldType, nil
	case ColumnInteger:
		return bigquery.IntegerFieldType, nil
	case ColumnFloat:
		return bigquery.FloatFieldType, nil
	case ColumnBoolean:
		return bigquery.BooleanFieldType, nil
	case ColumnDate:
		return bigquery.DateFieldType, nil
	case ColumnDatetime:
		return bigquery.DateTimeFieldType, nil
	}
	return "", domain.ErrValidation("unsupported column type %q", t)
}

// BigQueryDialect renders GoogleSQL.
type BigQueryDialect struct {
	ProjectID string
}

func (BigQueryDialect) Name() string { return "bigquery" }

func (d BigQueryDialect) QualifiedTable(dataset, table string) string {
	if dataset == "" {
		return table
	}
	return fmt.Sprintf("`%s.%s.%s`", d.ProjectID, dataset, table)
}

func (BigQueryDialect) DatetimeLiteral(t time.Time) string {
	return `DATETIME "` + t.UTC().Format("2006-01-02T15:04:05.000000") + `"`
}

func (BigQueryDialect) CurrentDatetime() string { return "CURRENT_DATETIME('UTC')" }

func (BigQueryDialect) NullDatetime() string { return "CAST(NULL AS DATETIME)" }

func (BigQueryDialect) ExceptDistinct() string { return "EXCEPT DISTINCT" }

func (BigQueryDialect) CreateTableAs(table string, temporary bool, expiration time.Duration, query string) string {
	q := trimStatement(query)
	switch {
	case temporary:
		return fmt.Sprintf("CREATE TEMP TABLE %s AS (\n%s\n);", table, q)
	case expiration > 0:
		return fmt.Sprintf(
			"CREATE OR REPLACE TABLE %s\nOPTIONS(\n  expiration_timestamp = TIMESTAMP_ADD(CURRENT_TIMESTAMP(), INTERVAL %d HOUR)\n) AS (\n%s\n);",
			table, int(expiration.Hours()), q)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (\n%s\n);", table, q)
}
