package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
)

// FetchLogSink receives one entry per upstream HTTP exchange
type FetchLogSink interface {
	Append(ctx context.Context, entry *models.FetchLogEntry) error
}

// FetchLogRepository is the append-only fetch log in the primary store
type FetchLogRepository struct {
	db *DB
}

// NewFetchLogRepository creates a new fetch log repository
func NewFetchLogRepository(db *DB) *FetchLogRepository {
	return &FetchLogRepository{db: db}
}

// Append records one exchange
func (r *FetchLogRepository) Append(ctx context.Context, e *models.FetchLogEntry) error {
	query := `
		INSERT INTO fetch_log (
			platform, url, job_id, status_code, etag, last_modified, content_hash,
			error, duration_ms, fetched_at
		)
		VALUES (` + placeholders(10) + `)
	`

	_, err := r.db.exec(ctx, query,
		string(e.Platform),
		e.URL,
		nullInt64(e.JobID),
		e.StatusCode,
		nullString(e.ETag),
		nullString(e.LastModified),
		nullString(e.ContentHash),
		nullString(e.Error),
		e.DurationMs,
		toMillis(e.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append fetch log: %w", err)
	}
	return nil
}

// Recent returns the latest entries for a URL, newest first
func (r *FetchLogRepository) Recent(ctx context.Context, url string, limit int) ([]*models.FetchLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, platform, url, job_id, status_code, etag, last_modified, content_hash,
			error, duration_ms, fetched_at
		FROM fetch_log
		WHERE url = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.query(ctx, query, url, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch log: %w", err)
	}
	defer rows.Close()

	var entries []*models.FetchLogEntry
	for rows.Next() {
		var (
			e                                    models.FetchLogEntry
			jobID                                sql.NullInt64
			etag, lastModified, hash, errMessage sql.NullString
			fetchedAt                            int64
		)
		err := rows.Scan(&e.ID, &e.Platform, &e.URL, &jobID, &e.StatusCode, &etag, &lastModified,
			&hash, &errMessage, &e.DurationMs, &fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fetch log: %w", err)
		}
		e.JobID = int64Ptr(jobID)
		e.ETag = stringPtr(etag)
		e.LastModified = stringPtr(lastModified)
		e.ContentHash = stringPtr(hash)
		e.Error = stringPtr(errMessage)
		e.FetchedAt = fromMillis(fetchedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MultiFetchLog fans entries out to several sinks. The log is a side
// channel: a failing sink is logged and never fails the fetch.
type MultiFetchLog struct {
	sinks []FetchLogSink
}

// NewMultiFetchLog creates a sink writing to every non-nil sink
func NewMultiFetchLog(sinks ...FetchLogSink) *MultiFetchLog {
	m := &MultiFetchLog{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Append writes entry to every sink
func (m *MultiFetchLog) Append(ctx context.Context, entry *models.FetchLogEntry) error {
	for _, s := range m.sinks {
		if err := s.Append(ctx, entry); err != nil {
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"url":    entry.URL,
				"status": entry.StatusCode,
			}).Warn("fetch log append failed")
		}
	}
	return nil
}
