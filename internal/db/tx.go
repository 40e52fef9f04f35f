package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/equityfunk/internal/retry"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrContention marks a transient concurrency failure (lock or
	// serialization conflict)
	ErrContention = errors.New("database contention")
)

// SQLSTATE codes treated as contention
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsContention reports whether err is a transient lock or serialization
// conflict that is safe to retry.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContention) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	return false
}

// inTx runs fn inside one serializable transaction
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// unitOfWork runs fn in a serializable transaction, retried on contention
func (db *DB) unitOfWork(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return retry.Do(ctx, db.policy, IsContention, func(ctx context.Context) error {
		return db.inTx(ctx, fn)
	})
}

// retryValue runs a single-statement operation, retried on contention
func retryValue[T any](ctx context.Context, db *DB, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, db.policy, IsContention, op)
}

// execWithRetry runs a single statement, retried on contention
func (db *DB) execWithRetry(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return retryValue(ctx, db, func(ctx context.Context) (pgconn.CommandTag, error) {
		return db.pool.Exec(ctx, query, args...)
	})
}
