package rbactest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// PostgresEnv names the variable holding a PostgreSQL DSN for integration tests
const PostgresEnv = "TEST_POSTGRES_PRIMARY"

// SkipIfNoDatabase skips the test if TEST_POSTGRES_PRIMARY is not set
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv(PostgresEnv)
	if dbURL == "" {
		t.Skipf("Skipping test: %s environment variable not set (database not available)", PostgresEnv)
	}

	return dbURL
}

// RequireDatabase connects to PostgreSQL, runs migrations and returns the
// handle, or skips the test when no database is configured.
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}
	dbURL := SkipIfNoDatabase(t)

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrate(t, db)
	return db
}

// NewSQLiteDB opens a migrated in-memory SQLite database.
// The pool is pinned to one connection because every :memory: connection is a separate database.
func NewSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	migrate(t, db)
	return db
}

// NewSQLiteStore returns a store over a fresh migrated in-memory database
func NewSQLiteStore(t *testing.T) *rbac.Store {
	t.Helper()
	return rbac.NewStore(NewSQLiteDB(t))
}

func migrate(t *testing.T, db *sql.DB) {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	if err := rbac.RunMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
}
