package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"ingest-platform/internal/domain"
)

var _ Client = (*DuckDBClient)(nil)

// DuckDBClient runs the warehouse on an embedded DuckDB database. Datasets are
// DuckDB schemas. Dataset default expirations are recorded but not enforced.
type DuckDBClient struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes statements that touch the catalog. DuckDB rejects
	// concurrent catalog writes with a conflict error.
	writeMu sync.Mutex
	jobSeq  atomic.Int64
}

// OpenDuckDB opens a DuckDB database at path. An empty path opens an in-memory
// database shared by every connection of the returned client.
func OpenDuckDB(path string, logger *slog.Logger) (*DuckDBClient, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return NewDuckDBClient(db, logger), nil
}

// NewDuckDBClient wraps an existing DuckDB *sql.DB.
func NewDuckDBClient(db *sql.DB, logger *slog.Logger) *DuckDBClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBClient{db: db, logger: logger.With("component", "duckdb-warehouse")}
}

// DB exposes the underlying database for fixtures and debugging.
func (c *DuckDBClient) DB() *sql.DB { return c.db }

// Close closes the database.
func (c *DuckDBClient) Close() error { return c.db.Close() }

// Dialect implements Client.
func (c *DuckDBClient) Dialect() Dialect { return DuckDBDialect{} }

// RunQueryAsync implements Client.
func (c *DuckDBClient) RunQueryAsync(ctx context.Context, query string) (Job, error) {
	return c.start(ctx, func(ctx context.Context) ([]Row, error) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.queryRows(ctx, query)
	}), nil
}

// LoadQueryIntoTable implements Client.
func (c *DuckDBClient) LoadQueryIntoTable(ctx context.Context, query string, dest TableRef) (Job, error) {
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\n%s",
		c.Dialect().QualifiedTable(dest.Dataset, dest.Table), trimStatement(query))
	return c.start(ctx, func(ctx context.Context) ([]Row, error) {
		return nil, c.exec(ctx, stmt)
	}), nil
}

// SaveQueryResults implements Client.
func (c *DuckDBClient) SaveQueryResults(ctx context.Context, query string, dest TableRef) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	exists, err := c.tableExists(ctx, dest)
	if err != nil {
		return err
	}
	table := c.Dialect().QualifiedTable(dest.Dataset, dest.Table)
	var stmt string
	if exists {
		stmt = fmt.Sprintf("INSERT INTO %s BY NAME\n%s", table, trimStatement(query))
	} else {
		stmt = fmt.Sprintf("CREATE TABLE %s AS\n%s", table, trimStatement(query))
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("save query results into %s: %w", dest, err)
	}
	return nil
}

// CreateDatasetIfNecessary implements Client.
func (c *DuckDBClient) CreateDatasetIfNecessary(ctx context.Context, dataset string, defaultTableExpiration time.Duration) error {
	if err := c.exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(dataset)); err != nil {
		return fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	if defaultTableExpiration > 0 {
		c.logger.Debug("dataset expiration not enforced by duckdb",
			"dataset", dataset, "expiration", defaultTableExpiration)
	}
	return nil
}

// CreateTableWithSchema implements Client.
func (c *DuckDBClient) CreateTableWithSchema(ctx context.Context, dest TableRef, schema []Column) error {
	if len(schema) == 0 {
		return domain.ErrValidation("table %s needs at least one column", dest)
	}
	cols := make([]string, 0, len(schema))
	for _, col := range schema {
		typ, err := duckDBType(col.Type)
		if err != nil {
			return err
		}
		cols = append(cols, quoteIdent(col.Name)+" "+typ)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	exists, err := c.tableExists(ctx, dest)
	if err != nil {
		return err
	}
	if exists {
		return domain.ErrConflict("table %s already exists", dest)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)",
		c.Dialect().QualifiedTable(dest.Dataset, dest.Table), strings.Join(cols, ", "))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", dest, err)
	}
	return nil
}

// DeleteTable implements Client.
func (c *DuckDBClient) DeleteTable(ctx context.Context, ref TableRef, notFoundOK bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	exists, err := c.tableExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		if notFoundOK {
			return nil
		}
		return domain.ErrNotFound("table %s not found", ref)
	}
	if _, err := c.db.ExecContext(ctx, "DROP TABLE "+c.Dialect().QualifiedTable(ref.Dataset, ref.Table)); err != nil {
		return fmt.Errorf("drop table %s: %w", ref, err)
	}
	return nil
}

// ListTables implements Client.
func (c *DuckDBClient) ListTables(ctx context.Context, dataset string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, dataset)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", dataset, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists implements Client.
func (c *DuckDBClient) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	return c.tableExists(ctx, ref)
}

// CopyDatasetTables implements Client.
func (c *DuckDBClient) CopyDatasetTables(ctx context.Context, src, dst string, overwrite bool) error {
	tables, err := c.ListTables(ctx, src)
	if err != nil {
		return err
	}
	if err := c.CreateDatasetIfNecessary(ctx, dst, 0); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	d := c.Dialect()
	for _, table := range tables {
		exists, err := c.tableExists(ctx, TableRef{Dataset: dst, Table: table})
		if err != nil {
			return err
		}
		if exists && !overwrite {
			return domain.ErrConflict("table %s.%s already exists", dst, table)
		}
		stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s",
			d.QualifiedTable(dst, table), d.QualifiedTable(src, table))
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("copy %s.%s to %s: %w", src, table, dst, err)
		}
	}
	return nil
}

// DeleteDataset implements Client.
func (c *DuckDBClient) DeleteDataset(ctx context.Context, dataset string, deleteContents, notFoundOK bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.schemata WHERE schema_name = ?`, dataset).Scan(&n)
	if err != nil {
		return fmt.Errorf("look up dataset %s: %w", dataset, err)
	}
	if n == 0 {
		if notFoundOK {
			return nil
		}
		return domain.ErrNotFound("dataset %s not found", dataset)
	}

	stmt := "DROP SCHEMA " + quoteIdent(dataset)
	if deleteContents {
		stmt += " CASCADE"
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop dataset %s: %w", dataset, err)
	}
	return nil
}

// DeleteFromTableAsync implements Client.
func (c *DuckDBClient) DeleteFromTableAsync(ctx context.Context, ref TableRef, filter string) (Job, error) {
	if filter == "" {
		filter = "TRUE"
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", c.Dialect().QualifiedTable(ref.Dataset, ref.Table), filter)
	return c.start(ctx, func(ctx context.Context) ([]Row, error) {
		return nil, c.exec(ctx, stmt)
	}), nil
}

// ExecScript runs each statement in order on a single connection so that
// temporary tables created by earlier statements stay visible. Rows of the
// last statement are returned.
func (c *DuckDBClient) ExecScript(ctx context.Context, statements []string) ([]Row, error) {
	if len(statements) == 0 {
		return nil, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire duckdb connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	last := len(statements) - 1
	for _, stmt := range statements[:last] {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("exec script statement: %w", err)
		}
	}
	rows, err := conn.QueryContext(ctx, statements[last])
	if err != nil {
		return nil, fmt.Errorf("query script result: %w", err)
	}
	return scanRows(rows)
}

func (c *DuckDBClient) exec(ctx context.Context, stmt string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *DuckDBClient) queryRows(ctx context.Context, query string) ([]Row, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (c *DuckDBClient) tableExists(ctx context.Context, ref TableRef) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?
	`, ref.Dataset, ref.Table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", ref, err)
	}
	return n > 0, nil
}

// start runs fn on its own goroutine. The job outlives the caller's context
// cancellation only until fn observes it.
func (c *DuckDBClient) start(ctx context.Context, fn func(context.Context) ([]Row, error)) *duckDBJob {
	job := &duckDBJob{
		id:   fmt.Sprintf("duckdb-job-%d", c.jobSeq.Add(1)),
		done: make(chan struct{}),
	}
	go func() {
		defer close(job.done)
		job.rows, job.err = fn(context.WithoutCancel(ctx))
	}()
	return job
}

type duckDBJob struct {
	id   string
	done chan struct{}
	rows []Row
	err  error
}

func (j *duckDBJob) ID() string { return j.id }

func (j *duckDBJob) Result(ctx context.Context) ([]Row, error) {
	select {
	case <-j.done:
		if j.err != nil {
			return nil, fmt.Errorf("job %s: %w", j.id, j.err)
		}
		return j.rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func duckDBType(t ColumnType) (string, error) {
	switch t {
	case ColumnString:
		return "VARCHAR", nil
	case ColumnInteger:
		return "BIGINT", nil
	case ColumnFloat:
		return "DOUBLE", nil
	case ColumnBoolean:
		return "BOOLEAN", nil
	case ColumnDate:
		return "DATE", nil
	case ColumnDatetime:
		return "TIMESTAMP", nil
	}
	return "", domain.ErrValidation("unsupported column type %q", t)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func trimStatement(q string) string {
	return strings.TrimRight(strings.TrimSpace(q), ";")
}

// DuckDBDialect renders SQL for DuckDB.
type DuckDBDialect struct{}

func (DuckDBDialect) Name() string { return "duckdb" }

func (DuckDBDialect) QualifiedTable(dataset, table string) string {
	if dataset == "" {
		return quoteIdent(table)
	}
	return quoteIdent(dataset) + "." + quoteIdent(table)
}

func (DuckDBDialect) DatetimeLiteral(t time.Time) string {
	return "TIMESTAMP '" + t.UTC().Format("2006-01-02 15:04:05.000000") + "'"
}

func (DuckDBDialect) CurrentDatetime() string {
	return "CAST(current_timestamp AS TIMESTAMP)"
}

func (DuckDBDialect) NullDatetime() string { return "CAST(NULL AS TIMESTAMP)" }

// ExceptDistinct returns plain EXCEPT, which already removes duplicates in DuckDB.
func (DuckDBDialect) ExceptDistinct() string { return "EXCEPT" }

func (DuckDBDialect) CreateTableAs(table string, temporary bool, _ time.Duration, query string) string {
	if temporary {
		return fmt.Sprintf("CREATE TEMP TABLE %s AS\n%s;", table, trimStatement(query))
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\n%s;", table, trimStatement(query))
}
