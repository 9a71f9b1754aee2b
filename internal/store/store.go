// Package store is the PostgreSQL persistence layer. Repositories are
// plain functions over a Querier so they run the same against the
// pool, a transaction, or a test mock. Mutable rows carry a
// row_version column; updates are compare-and-swap and callers retry
// conflicts via RetryConflict.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ErrConflict signals a lost optimistic-concurrency race. Callers
// reload and retry.
var ErrConflict = errors.New("store: row version conflict")

// Store owns the connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, vaulterrors.Internal("opening database", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, vaulterrors.Internal("pinging database", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for single-statement operations that must not
// join any caller transaction (the audit sink in particular).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vaulterrors.Internal("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return vaulterrors.Internal("committing transaction", err)
	}
	return nil
}

// RetryConflict runs fn, retrying up to three times when it reports a
// row-version conflict or unique-constraint race.
func RetryConflict(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(100*time.Millisecond),
		), 3),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) || IsUniqueViolation(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, policy)
}

// IsUniqueViolation reports whether err is a PostgreSQL
// unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
