// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/agentq/internal/store"
	"github.com/scarson/agentq/migrations"
)

// TestDB wraps a Store backed by a throwaway Postgres container.
type TestDB struct {
	*store.Store
	// ConnString lets tests open extra pools, e.g. to simulate a second process.
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("agentq_test"),
		tcpostgres.WithUsername("agentq_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := migrateUp(connStr); err != nil {
		t.Fatalf("%v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool), ConnString: connStr}
}

// SecondStore opens an independent pool on the same database. Tests use it
// to stand in for another process sharing the store.
func (db *TestDB) SecondStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), db.ConnString)
	if err != nil {
		t.Fatalf("second pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return store.New(pool)
}

// SimpleProtocolStore opens a pool that uses the simple query protocol, as
// production does under DB_QUERY_EXEC_MODE=simple_protocol (PgBouncer).
// Arguments are then sent as text literals, so jsonb and array encodings
// need their own coverage.
func (db *TestDB) SimpleProtocolStore(t *testing.T) *store.Store {
	t.Helper()
	poolCfg, err := pgxpool.ParseConfig(db.ConnString)
	if err != nil {
		t.Fatalf("parse pool config: %v", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		t.Fatalf("simple protocol pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return store.New(pool)
}

// migrateUp uses the same pattern as cmd/agentq runMigrate.
func migrateUp(connStr string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol lets postgres run each migration file's statements natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
