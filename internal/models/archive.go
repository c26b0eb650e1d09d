package models

import (
	"time"

	"github.com/chess-ingest/internal/types"
)

// ArchiveUnit is one monthly game archive of an account
type ArchiveUnit struct {
	ID            int64               `json:"id" db:"id"`
	AccountID     int64               `json:"accountId" db:"account_id"`
	Platform      types.Platform      `json:"platform" db:"platform"`
	Year          int                 `json:"year" db:"year"`
	Month         int                 `json:"month" db:"month"`
	URL           string              `json:"url" db:"url"`
	Status        types.ArchiveStatus `json:"status" db:"fetch_status"`
	RetryCount    int                 `json:"retryCount" db:"retry_count"`
	NextRetryAt   *time.Time          `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	Checksum      *string             `json:"checksum,omitempty" db:"checksum"`
	GameCount     int                 `json:"gameCount" db:"game_count"`
	LastFetchAt   *time.Time          `json:"lastFetchAt,omitempty" db:"last_fetch_at"`
	LastSuccessAt *time.Time          `json:"lastSuccessAt,omitempty" db:"last_success_at"`
	LastError     *string             `json:"lastError,omitempty" db:"last_error"`
	CreatedAt     time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time           `json:"updatedAt" db:"updated_at"`
}

// ArchiveMonth is a (year, month) an account has games in
type ArchiveMonth struct {
	Year  int
	Month int
	URL   string
}

// IsCurrentMonth reports whether the archive covers the month containing now (UTC)
func (m ArchiveMonth) IsCurrentMonth(now time.Time) bool {
	now = now.UTC()
	return m.Year == now.Year() && m.Month == int(now.Month())
}

// Before orders months chronologically
func (m ArchiveMonth) Before(o ArchiveMonth) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}
