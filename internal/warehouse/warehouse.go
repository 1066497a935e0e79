// Package warehouse abstracts the analytical warehouse that holds raw data,
// intermediate tables and ingest view results. DuckDBClient backs local runs
// and tests; BigQueryClient backs deployed environments.
package warehouse

import (
	"context"
	"time"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Job is a query started by the warehouse that may still be running.
type Job interface {
	ID() string
	// Result blocks until the job finishes and returns its rows. Jobs that
	// write to a table return no rows.
	Result(ctx context.Context) ([]Row, error)
}

// TableRef names a table inside a dataset.
type TableRef struct {
	Dataset string
	Table   string
}

func (r TableRef) String() string { return r.Dataset + "." + r.Table }

// WriteDisposition controls how query results land in an existing table.
type WriteDisposition string

// Write dispositions.
const (
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	WriteAppend   WriteDisposition = "WRITE_APPEND"
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
)

// ColumnType is a logical column type shared by both warehouses.
type ColumnType string

// Column types.
const (
	ColumnString   ColumnType = "STRING"
	ColumnInteger  ColumnType = "INTEGER"
	ColumnFloat    ColumnType = "FLOAT"
	ColumnBoolean  ColumnType = "BOOLEAN"
	ColumnDate     ColumnType = "DATE"
	ColumnDatetime ColumnType = "DATETIME"
)

// Column is one field of a table schema.
type Column struct {
	Name string
	Type ColumnType
}

// Client is the subset of warehouse operations the ingest pipeline needs.
type Client interface {
	Dialect() Dialect

	// RunQueryAsync starts query and returns without waiting for it.
	RunQueryAsync(ctx context.Context, query string) (Job, error)
	// LoadQueryIntoTable starts a job that replaces dest with the results of query.
	LoadQueryIntoTable(ctx context.Context, query string, dest TableRef) (Job, error)
	// SaveQueryResults appends the results of query to dest, creating dest from
	// the query's schema when it does not exist yet. It blocks until done.
	SaveQueryResults(ctx context.Context, query string, dest TableRef) error

	// CreateDatasetIfNecessary creates dataset unless it exists. A positive
	// defaultTableExpiration applies to tables created in it afterwards.
	CreateDatasetIfNecessary(ctx context.Context, dataset string, defaultTableExpiration time.Duration) error
	CreateTableWithSchema(ctx context.Context, dest TableRef, schema []Column) error
	DeleteTable(ctx context.Context, ref TableRef, notFoundOK bool) error
	ListTables(ctx context.Context, dataset string) ([]string, error)
	TableExists(ctx context.Context, ref TableRef) (bool, error)
	// CopyDatasetTables copies every table in src into dst. Without overwrite,
	// an existing destination table is a ConflictError.
	CopyDatasetTables(ctx context.Context, src, dst string, overwrite bool) error
	DeleteDataset(ctx context.Context, dataset string, deleteContents, notFoundOK bool) error
	// DeleteFromTableAsync deletes rows matching filter, or every row when
	// filter is empty.
	DeleteFromTableAsync(ctx context.Context, ref TableRef, filter string) (Job, error)

	Close() error
}

// Dialect renders the few SQL fragments that differ between warehouses.
type Dialect interface {
	Name() string
	// QualifiedTable returns a quoted, fully qualified table reference.
	QualifiedTable(dataset, table string) string
	// DatetimeLiteral renders t as a zone-less datetime literal with microseconds.
	DatetimeLiteral(t time.Time) string
	CurrentDatetime() string
	NullDatetime() string
	// ExceptDistinct is the set operator removing rows of the right query
	// from the left one.
	ExceptDistinct() string
	// CreateTableAs wraps query so that it materializes into table.
	CreateTableAs(table string, temporary bool, expiration time.Duration, query string) string
}
