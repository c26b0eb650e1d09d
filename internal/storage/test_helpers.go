package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chess-ingest/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewTestDB opens a migrated SQLite store in a temporary directory. The
// store is closed when the test ends.
func NewTestDB(t testing.TB) *DB {
	t.Helper()

	db, err := NewSQLiteDB(&config.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "ingest.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(db, ""); err != nil {
		t.Fatalf("failed to migrate sqlite store: %v", err)
	}
	return db
}
