// Package repository implements domain repository interfaces on the SQLite
// operations database.
package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"ingest-platform/internal/domain"
)

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// mapDBError translates SQLite constraint failures into domain errors.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return &domain.ConflictError{Message: "resource already exists"}
	case strings.Contains(msg, "status_timestamp_ordering"):
		return &domain.ConflictError{Message: "status timestamp must be later than all prior status timestamps"}
	case strings.Contains(msg, "CHECK constraint failed"):
		return &domain.ValidationError{Message: msg}
	}
	return err
}

// toMicros encodes t as UTC unix microseconds, the storage format for all
// timestamps in the operations database.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func timePtrFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
