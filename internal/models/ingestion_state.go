package models

import (
	"time"

	"github.com/chess-ingest/internal/types"
)

// IngestionState tracks when each part of an account was last and next fetched
type IngestionState struct {
	Platform           types.Platform        `json:"platform" db:"platform"`
	Username           string                `json:"username" db:"username"`
	AccountID          *int64                `json:"accountId,omitempty" db:"account_id"`
	LastProfileFetchAt *time.Time            `json:"lastProfileFetchAt,omitempty" db:"last_profile_fetch_at"`
	NextProfileFetchAt *time.Time            `json:"nextProfileFetchAt,omitempty" db:"next_profile_fetch_at"`
	LastStatsFetchAt   *time.Time            `json:"lastStatsFetchAt,omitempty" db:"last_stats_fetch_at"`
	NextStatsFetchAt   *time.Time            `json:"nextStatsFetchAt,omitempty" db:"next_stats_fetch_at"`
	LastArchiveScanAt  *time.Time            `json:"lastArchiveScanAt,omitempty" db:"last_archive_scan_at"`
	NextArchiveScanAt  *time.Time            `json:"nextArchiveScanAt,omitempty" db:"next_archive_scan_at"`
	Status             types.IngestionStatus `json:"status" db:"status"`
	LastError          *string               `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt          time.Time             `json:"updatedAt" db:"updated_at"`
}

// LastFetch returns the last-fetch timestamp tracked for a job type.
// Games are tracked per archive unit, not here.
func (s *IngestionState) LastFetch(jobType types.JobType) *time.Time {
	switch jobType {
	case types.JobTypeProfile:
		return s.LastProfileFetchAt
	case types.JobTypeStats:
		return s.LastStatsFetchAt
	case types.JobTypeArchives:
		return s.LastArchiveScanAt
	case types.JobTypeGames:
		return nil
	default:
		return nil
	}
}

// NeverFetched reports whether the profile of the account was never stored
func (s *IngestionState) NeverFetched() bool {
	return s.LastProfileFetchAt == nil
}
