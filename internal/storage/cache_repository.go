package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/models"
)

// CacheRepository stores the HTTP validators and body checksum of the last
// applied response per URL. Put runs in the same transaction as the data
// the response produced, so a validator is never ahead of the store.
type CacheRepository struct {
	db *DB
}

// NewCacheRepository creates a new HTTP cache repository
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// Get returns the cache entry of a URL, or nil when none exists
func (r *CacheRepository) Get(ctx context.Context, url string) (*models.CacheEntry, error) {
	var (
		entry                        models.CacheEntry
		etag, lastModified, checksum sql.NullString
		updatedAt                    int64
	)

	err := r.db.queryRow(ctx,
		`SELECT url, etag, last_modified, checksum, updated_at FROM http_cache WHERE url = ?`, url,
	).Scan(&entry.URL, &etag, &lastModified, &checksum, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	entry.ETag = stringPtr(etag)
	entry.LastModified = stringPtr(lastModified)
	entry.Checksum = stringPtr(checksum)
	entry.UpdatedAt = fromMillis(updatedAt)
	return &entry, nil
}

// Put records the validators of an applied response
func (r *CacheRepository) Put(ctx context.Context, entry *models.CacheEntry, now time.Time) error {
	query := `
		INSERT INTO http_cache (url, etag, last_modified, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`

	_, err := r.db.exec(ctx, query,
		entry.URL,
		nullString(entry.ETag),
		nullString(entry.LastModified),
		nullString(entry.Checksum),
		toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}
