package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"tenant-control-plane/internal/platform/errs"
)

// PoolOptions tunes the shared connection pool. Zero values keep database/sql defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens a Postgres connection pool using the given DSN. Caller must call Close when done.
func Open(dsn string, opts PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Postgres SQLSTATE codes treated as transient contention.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
)

// IsConflict reports whether err is transient contention that a retry can resolve:
// serialization failure, deadlock, lock timeout, or a unique violation from a concurrent insert.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation, codeLockNotAvailable:
		return true
	}
	return false
}

// ClassifyConflict wraps err with errs.ErrSyncConflict when IsConflict reports it as transient,
// and returns it unchanged otherwise.
func ClassifyConflict(err error) error {
	if err == nil || errors.Is(err, errs.ErrSyncConflict) || !IsConflict(err) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrSyncConflict, err)
}
