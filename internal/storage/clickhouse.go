package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection used for fetch analytics
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// ClickHouseFetchLog mirrors the fetch log into ClickHouse so cache hit
// rates and upstream latency can be analysed over long windows
type ClickHouseFetchLog struct {
	db *ClickHouseDB
}

// NewClickHouseFetchLog creates a ClickHouse fetch log sink
func NewClickHouseFetchLog(db *ClickHouseDB) *ClickHouseFetchLog {
	return &ClickHouseFetchLog{db: db}
}

// Append records one exchange
func (s *ClickHouseFetchLog) Append(ctx context.Context, e *models.FetchLogEntry) error {
	return s.AppendBatch(ctx, []*models.FetchLogEntry{e})
}

// AppendBatch records several exchanges in one insert
func (s *ClickHouseFetchLog) AppendBatch(ctx context.Context, entries []*models.FetchLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.db.conn.PrepareBatch(ctx, `
		INSERT INTO fetch_log (
			platform, url, job_id, status_code, etag, last_modified,
			content_hash, error, duration_ms, fetched_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		var jobID int64
		if e.JobID != nil {
			jobID = *e.JobID
		}
		err := batch.Append(
			string(e.Platform),
			e.URL,
			jobID,
			uint16(e.StatusCode), // #nosec G115 - HTTP status codes fit in uint16
			deref(e.ETag),
			deref(e.LastModified),
			deref(e.ContentHash),
			deref(e.Error),
			uint32(e.DurationMs), // #nosec G115 - request durations are bounded by the client timeout
			e.FetchedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
