package models

import (
	"time"

	"github.com/chess-ingest/internal/types"
)

// Validators are the HTTP cache validators remembered for a URL
type Validators struct {
	ETag         string
	LastModified string
}

// Empty reports whether there is nothing to send conditionally
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// CacheEntry is the last applied response for a URL
type CacheEntry struct {
	URL          string    `json:"url" db:"url"`
	ETag         *string   `json:"etag,omitempty" db:"etag"`
	LastModified *string   `json:"lastModified,omitempty" db:"last_modified"`
	Checksum     *string   `json:"checksum,omitempty" db:"checksum"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Validators returns the conditional-request headers of the entry
func (e *CacheEntry) Validators() Validators {
	var v Validators
	if e == nil {
		return v
	}
	if e.ETag != nil {
		v.ETag = *e.ETag
	}
	if e.LastModified != nil {
		v.LastModified = *e.LastModified
	}
	return v
}

// FetchLogEntry records one upstream HTTP exchange
type FetchLogEntry struct {
	ID           int64          `json:"id" db:"id"`
	Platform     types.Platform `json:"platform" db:"platform"`
	URL          string         `json:"url" db:"url"`
	JobID        *int64         `json:"jobId,omitempty" db:"job_id"`
	StatusCode   int            `json:"statusCode" db:"status_code"`
	ETag         *string        `json:"etag,omitempty" db:"etag"`
	LastModified *string        `json:"lastModified,omitempty" db:"last_modified"`
	ContentHash  *string        `json:"contentHash,omitempty" db:"content_hash"`
	Error        *string        `json:"error,omitempty" db:"error"`
	DurationMs   int64          `json:"durationMs" db:"duration_ms"`
	FetchedAt    time.Time      `json:"fetchedAt" db:"fetched_at"`
}
