package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ingest-platform/internal/domain"
)

var _ domain.MaterializationMetadataRepository = (*MaterializationMetadataRepo)(nil)

const materializationColumns = `region_code, instance, ingest_view_name, lower_bound_datetime_exclusive,
	upper_bound_datetime_inclusive, job_creation_time, materialization_time, is_invalidated`

// keyPredicate matches the live row for one set of materialization args. The
// COALESCE mirrors the unique index so that NULL lower bounds compare equal.
const keyPredicate = `region_code = ? AND instance = ? AND ingest_view_name = ?
	AND COALESCE(lower_bound_datetime_exclusive, -1) = COALESCE(?, -1)
	AND upper_bound_datetime_inclusive = ?
	AND is_invalidated = 0`

// MaterializationMetadataRepo tracks registered and completed materialization jobs.
type MaterializationMetadataRepo struct {
	db   *sql.DB
	read *sql.DB // reporting reads; db when unset
}

// NewMaterializationMetadataRepo creates a new MaterializationMetadataRepo.
func NewMaterializationMetadataRepo(db *sql.DB) *MaterializationMetadataRepo {
	return &MaterializationMetadataRepo{db: db, read: db}
}

// WithReadDB serves Summaries from a separate read pool. Job bookkeeping stays
// on the write pool.
func (r *MaterializationMetadataRepo) WithReadDB(read *sql.DB) *MaterializationMetadataRepo {
	if read != nil {
		r.read = read
	}
	return r
}

func keyArgs(regionCode string, args domain.MaterializationArgs) []interface{} {
	return []interface{}{
		regionCode,
		string(args.IngestInstance),
		args.IngestViewName,
		nullMicros(args.LowerBoundDatetimeExclusive),
		toMicros(args.UpperBoundDatetimeInclusive),
	}
}

// Register records a pending job for args. Registering args that already have a
// live row is not an error; the existing row is returned unchanged.
func (r *MaterializationMetadataRepo) Register(ctx context.Context, regionCode string, args domain.MaterializationArgs, jobCreationTime time.Time) (*domain.MaterializationMetadataRecord, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO direct_ingest_view_materialization_metadata
			(region_code, instance, ingest_view_name, lower_bound_datetime_exclusive,
			 upper_bound_datetime_inclusive, job_creation_time, materialization_time, is_invalidated)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0)
	`, append(keyArgs(regionCode, args), toMicros(jobCreationTime))...)
	if err != nil {
		mapped := mapDBError(err)
		var conflict *domain.ConflictError
		if !errors.As(mapped, &conflict) {
			return nil, mapped
		}
	}

	return r.Get(ctx, regionCode, args)
}

// Get returns the live row for args or a NotFoundError.
func (r *MaterializationMetadataRepo) Get(ctx context.Context, regionCode string, args domain.MaterializationArgs) (*domain.MaterializationMetadataRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+materializationColumns+` FROM direct_ingest_view_materialization_metadata WHERE `+keyPredicate,
		keyArgs(regionCode, args)...)
	rec, err := scanMaterialization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no materialization job registered for %s in %s", args, regionCode)
	}
	if err != nil {
		return nil, mapDBError(err)
	}
	return rec, nil
}

// MarkMaterialized completes the pending row for args.
func (r *MaterializationMetadataRepo) MarkMaterialized(ctx context.Context, regionCode string, args domain.MaterializationArgs, materializationTime time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE direct_ingest_view_materialization_metadata
		SET materialization_time = ?
		WHERE `+keyPredicate+` AND materialization_time IS NULL
	`, append([]interface{}{toMicros(materializationTime)}, keyArgs(regionCode, args)...)...)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict("no pending materialization job for %s in %s", args, regionCode)
	}
	return nil
}

// ListPending returns every live, incomplete job for the instance ordered by
// view and upper bound.
func (r *MaterializationMetadataRepo) ListPending(ctx context.Context, regionCode string, instance domain.IngestInstance) ([]domain.MaterializationMetadataRecord, error) {
	return r.list(ctx, `
		SELECT `+materializationColumns+`
		FROM direct_ingest_view_materialization_metadata
		WHERE region_code = ? AND instance = ? AND is_invalidated = 0 AND materialization_time IS NULL
		ORDER BY ingest_view_name, upper_bound_datetime_inclusive
	`, regionCode, string(instance))
}

// ListCompleted returns the live, completed jobs for one view ordered by upper bound.
func (r *MaterializationMetadataRepo) ListCompleted(ctx context.Context, regionCode string, instance domain.IngestInstance, viewName string) ([]domain.MaterializationMetadataRecord, error) {
	return r.list(ctx, `
		SELECT `+materializationColumns+`
		FROM direct_ingest_view_materialization_metadata
		WHERE region_code = ? AND instance = ? AND ingest_view_name = ?
		  AND is_invalidated = 0 AND materialization_time IS NOT NULL
		ORDER BY upper_bound_datetime_inclusive
	`, regionCode, string(instance), viewName)
}

// MostRecentRegistered returns the live job with the latest creation time for
// the view, or a NotFoundError.
func (r *MaterializationMetadataRepo) MostRecentRegistered(ctx context.Context, regionCode string, instance domain.IngestInstance, viewName string) (*domain.MaterializationMetadataRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+materializationColumns+`
		FROM direct_ingest_view_materialization_metadata
		WHERE region_code = ? AND instance = ? AND ingest_view_name = ? AND is_invalidated = 0
		ORDER BY job_creation_time DESC, id DESC
		LIMIT 1
	`, regionCode, string(instance), viewName)
	rec, err := scanMaterialization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no materialization jobs registered for %s/%s in %s", viewName, instance, regionCode)
	}
	if err != nil {
		return nil, mapDBError(err)
	}
	return rec, nil
}

// Summaries aggregates live jobs per view.
func (r *MaterializationMetadataRepo) Summaries(ctx context.Context, regionCode string, instance domain.IngestInstance) ([]domain.IngestViewMaterializationSummary, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT
			ingest_view_name,
			SUM(CASE WHEN materialization_time IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN materialization_time IS NOT NULL THEN 1 ELSE 0 END),
			MAX(CASE WHEN materialization_time IS NOT NULL THEN upper_bound_datetime_inclusive END),
			MIN(CASE WHEN materialization_time IS NULL THEN upper_bound_datetime_inclusive END)
		FROM direct_ingest_view_materialization_metadata
		WHERE region_code = ? AND instance = ? AND is_invalidated = 0
		GROUP BY ingest_view_name
		ORDER BY ingest_view_name
	`, regionCode, string(instance))
	if err != nil {
		return nil, mapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.IngestViewMaterializationSummary
	for rows.Next() {
		var (
			s                  domain.IngestViewMaterializationSummary
			completedMax, pMin sql.NullInt64
		)
		if err := rows.Scan(&s.IngestViewName, &s.NumPendingJobs, &s.NumMaterializedJobs, &completedMax, &pMin); err != nil {
			return nil, fmt.Errorf("scan materialization summary: %w", err)
		}
		s.CompletedJobsMaxDatetime = timePtrFromNull(completedMax)
		s.PendingJobsMinDatetime = timePtrFromNull(pMin)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InvalidateInstance marks every live row for the instance invalidated and
// returns how many rows changed.
func (r *MaterializationMetadataRepo) InvalidateInstance(ctx context.Context, regionCode string, instance domain.IngestInstance) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE direct_ingest_view_materialization_metadata
		SET is_invalidated = ?
		WHERE region_code = ? AND instance = ? AND is_invalidated = 0
	`, boolToInt(true), regionCode, string(instance))
	if err != nil {
		return 0, mapDBError(err)
	}
	return res.RowsAffected()
}

// TransferToInstance moves every live row from one instance to the other. The
// destination must not hold any live rows.
func (r *MaterializationMetadataRepo) TransferToInstance(ctx context.Context, regionCode string, from, to domain.IngestInstance) (int64, error) {
	if from == to {
		return 0, domain.ErrValidation("cannot transfer materialization metadata from %s to itself", from)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin metadata transfer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM direct_ingest_view_materialization_metadata
		WHERE region_code = ? AND instance = ? AND is_invalidated = 0
	`, regionCode, string(to)).Scan(&live)
	if err != nil {
		return 0, mapDBError(err)
	}
	if live > 0 {
		return 0, domain.ErrConflict("destination instance %s in %s still has %d valid materialization rows", to, regionCode, live)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE direct_ingest_view_materialization_metadata
		SET instance = ?
		WHERE region_code = ? AND instance = ? AND is_invalidated = 0
	`, string(to), regionCode, string(from))
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

func (r *MaterializationMetadataRepo) list(ctx context.Context, stmt string, args ...interface{}) ([]domain.MaterializationMetadataRecord, error) {
	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.MaterializationMetadataRecord
	for rows.Next() {
		rec, err := scanMaterialization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan materialization row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMaterialization(row rowScanner) (*domain.MaterializationMetadataRecord, error) {
	var (
		rec                   domain.MaterializationMetadataRecord
		instance              string
		lower, materializedAt sql.NullInt64
		upper, created        int64
		invalidated           int64
	)
	if err := row.Scan(&rec.RegionCode, &instance, &rec.IngestViewName, &lower,
		&upper, &created, &materializedAt, &invalidated); err != nil {
		return nil, err
	}
	rec.Instance = domain.IngestInstance(instance)
	rec.LowerBoundDatetimeExclusive = timePtrFromNull(lower)
	rec.UpperBoundDatetimeInclusive = fromMicros(upper)
	rec.JobCreationTime = fromMicros(created)
	rec.MaterializationTime = timePtrFromNull(materializedAt)
	rec.IsInvalidated = invalidated != 0
	return &rec, nil
}
