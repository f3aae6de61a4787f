// Package store provides the data access layer. Claim, completion, and
// enqueue statements run on pgx native connections so that SKIP LOCKED
// transactions and conditional updates stay in one round trip. Dynamic
// list queries are built with squirrel and run on a *sql.DB wrapping the
// same pool via the pgx stdlib adapter.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The same pool serves both pgx native
// transactions and the database/sql handle used for dynamic queries.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool (health checks, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil and rolled back otherwise, so a failed commit leaves no
// partial state visible.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique violation on
// the named constraint (any constraint when name is empty).
func isUniqueViolation(err error, name string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return name == "" || pgErr.ConstraintName == name
}
