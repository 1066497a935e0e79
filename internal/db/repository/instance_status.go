package repository

import (
	"context"
	"database/sql"
	"fmt"

	"ingest-platform/internal/domain"
)

var _ domain.InstanceStatusRepository = (*InstanceStatusRepo)(nil)

// InstanceStatusRepo stores the append-only ingest instance status log.
type InstanceStatusRepo struct {
	db   *sql.DB
	read *sql.DB // List reads; db when unset
}

// NewInstanceStatusRepo creates a new InstanceStatusRepo. db should be the
// write pool so that the ordering check and the insert share one transaction.
func NewInstanceStatusRepo(db *sql.DB) *InstanceStatusRepo {
	return &InstanceStatusRepo{db: db, read: db}
}

// WithReadDB serves List from a separate read pool. Current stays on the write
// pool because transition checks must see the latest append.
func (r *InstanceStatusRepo) WithReadDB(read *sql.DB) *InstanceStatusRepo {
	if read != nil {
		r.read = read
	}
	return r
}

// Append inserts a status row after checking that its timestamp is strictly
// later than every existing row for the same region and instance.
func (r *InstanceStatusRepo) Append(ctx context.Context, rec domain.InstanceStatusRecord) error {
	if rec.RegionCode == "" {
		return domain.ErrValidation("region code is required")
	}
	if !rec.Instance.Valid() {
		return domain.ErrValidation("invalid ingest instance %q", rec.Instance)
	}
	if rec.Status.Family() == domain.StatusFamilyUnknown {
		return domain.ErrValidation("unknown ingest status %q", rec.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxTS sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(status_timestamp) FROM direct_ingest_instance_status
		WHERE region_code = ? AND instance = ?
	`, rec.RegionCode, string(rec.Instance)).Scan(&maxTS)
	if err != nil {
		return mapDBError(err)
	}

	ts := toMicros(rec.StatusTimestamp)
	if maxTS.Valid && ts <= maxTS.Int64 {
		return domain.ErrConflict(
			"status timestamp %s for [%s, %s] does not exceed current max %s",
			fromMicros(ts), rec.RegionCode, rec.Instance, fromMicros(maxTS.Int64))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO direct_ingest_instance_status (region_code, instance, status_timestamp, status)
		VALUES (?, ?, ?, ?)
	`, rec.RegionCode, string(rec.Instance), ts, string(rec.Status))
	if err != nil {
		return mapDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapDBError(err)
	}
	return nil
}

// Current returns the row with the greatest timestamp for the region and instance.
func (r *InstanceStatusRepo) Current(ctx context.Context, regionCode string, instance domain.IngestInstance) (*domain.InstanceStatusRecord, error) {
	rows, err := r.query(ctx, r.db, `
		SELECT region_code, instance, status_timestamp, status
		FROM direct_ingest_instance_status
		WHERE region_code = ? AND instance = ?
		ORDER BY status_timestamp DESC
		LIMIT 1
	`, regionCode, string(instance))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound("no status rows for [%s, %s]", regionCode, instance)
	}
	return &rows[0], nil
}

// List returns up to limit rows newest first. A non-positive limit returns all rows.
func (r *InstanceStatusRepo) List(ctx context.Context, regionCode string, instance domain.IngestInstance, limit int) ([]domain.InstanceStatusRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.query(ctx, r.read, `
		SELECT region_code, instance, status_timestamp, status
		FROM direct_ingest_instance_status
		WHERE region_code = ? AND instance = ?
		ORDER BY status_timestamp DESC
		LIMIT ?
	`, regionCode, string(instance), limit)
}

func (r *InstanceStatusRepo) query(ctx context.Context, db *sql.DB, stmt string, args ...interface{}) ([]domain.InstanceStatusRecord, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.InstanceStatusRecord
	for rows.Next() {
		var (
			rec      domain.InstanceStatusRecord
			instance string
			status   string
			ts       int64
		)
		if err := rows.Scan(&rec.RegionCode, &instance, &ts, &status); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		rec.Instance = domain.IngestInstance(instance)
		rec.Status = domain.DirectIngestStatus(status)
		rec.StatusTimestamp = fromMicros(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
