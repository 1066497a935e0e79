package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ingest-platform/internal/domain"
)

var _ domain.PseudoLockBackend = (*PseudoLockRepo)(nil)

// PseudoLockRepo is a PseudoLockBackend on the operations database. It suits
// deployments where every lock holder shares one database file.
type PseudoLockRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPseudoLockRepo creates a new PseudoLockRepo. db must be the write pool.
func NewPseudoLockRepo(db *sql.DB) *PseudoLockRepo {
	return &PseudoLockRepo{db: db, now: time.Now}
}

// WithClock replaces the clock used for expiration checks.
func (r *PseudoLockRepo) WithClock(now func() time.Time) *PseudoLockRepo {
	r.now = now
	return r
}

// Lock implements domain.PseudoLockBackend.
func (r *PseudoLockRepo) Lock(ctx context.Context, name, payload string, ttl time.Duration) error {
	if name == "" {
		return domain.ErrValidation("lock name is required")
	}
	if ttl <= 0 {
		return domain.ErrValidation("lock %s: ttl must be positive", name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lock %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	existing, err := getLock(ctx, tx, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return mapDBError(err)
	}
	if existing != nil && !existing.Expired(now) && existing.Payload != payload {
		return domain.ErrConflict("lock %s is already held with a different payload", name)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pseudo_locks (lock_name, payload, expiration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lock_name) DO UPDATE SET
			payload = excluded.payload,
			expiration = excluded.expiration,
			updated_at = excluded.updated_at
	`, name, payload, toMicros(now.Add(ttl)), toMicros(now), toMicros(now))
	if err != nil {
		return mapDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapDBError(err)
	}
	return nil
}

// Unlock implements domain.PseudoLockBackend. Expired rows are removed as well.
func (r *PseudoLockRepo) Unlock(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pseudo_locks WHERE lock_name = ?`, name)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("lock %s does not exist", name)
	}
	return nil
}

// IsLocked implements domain.PseudoLockBackend.
func (r *PseudoLockRepo) IsLocked(ctx context.Context, name string) (bool, error) {
	lock, err := getLock(ctx, r.db, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapDBError(err)
	}
	return !lock.Expired(r.now()), nil
}

// GetLockPayload implements domain.PseudoLockBackend.
func (r *PseudoLockRepo) GetLockPayload(ctx context.Context, name string) (string, error) {
	lock, err := getLock(ctx, r.db, name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && lock.Expired(r.now())) {
		return "", domain.ErrNotFound("lock %s is not held", name)
	}
	if err != nil {
		return "", mapDBError(err)
	}
	return lock.Payload, nil
}

// NoActiveLocksWithPrefix implements domain.PseudoLockBackend.
func (r *PseudoLockRepo) NoActiveLocksWithPrefix(ctx context.Context, prefix, instance string) (bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT lock_name FROM pseudo_locks
		WHERE substr(lock_name, 1, ?) = ? AND expiration > ?
	`, len(prefix), prefix, toMicros(r.now()))
	if err != nil {
		return false, mapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan lock name: %w", err)
		}
		if strings.Contains(name, instance) {
			return false, nil
		}
	}
	return true, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getLock(ctx context.Context, q queryRower, name string) (*domain.PseudoLock, error) {
	var (
		lock       domain.PseudoLock
		expiration int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT lock_name, payload, expiration FROM pseudo_locks WHERE lock_name = ?
	`, name).Scan(&lock.Name, &lock.Payload, &expiration)
	if err != nil {
		return nil, err
	}
	lock.Expiration = fromMicros(expiration)
	return &lock, nil
}
