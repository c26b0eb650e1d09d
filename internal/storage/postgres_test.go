package storage

import (
	"testing"
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "chess_ingest_test",
		User:           "ingest",
		Password:       "ingest_dev_password",
		SSLMode:        "disable",
		MaxConnections: 10,
	}
}

func TestNewPostgresDB(t *testing.T) {
	// Skip if not in integration test mode
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	assert.Equal(t, DialectPostgres, db.Dialect())
}

func TestPostgresJobRepository_Dedupe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	require.NoError(t, RunMigrations(db, cfg.URL()))

	ctx := testContext(t)
	repo := NewJobRepository(db, testQueue)

	// unique per run so reruns against the same database do not collide
	account := "pg-" + time.Now().Format("20060102150405.000000000")
	first, err := repo.Enqueue(ctx, profileRequest(account, types.PriorityRefresh), time.Now())
	require.NoError(t, err)
	second, err := repo.Enqueue(ctx, profileRequest(account, types.PriorityInteractive), time.Now())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.PriorityInteractive, second.Priority)

	require.NoError(t, repo.Cancel(ctx, first.ID, time.Now()))
}
