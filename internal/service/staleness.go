package service

import (
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

// StalenessPolicy decides when each part of an account is due for a refresh
// and at which priority it is queued
type StalenessPolicy struct {
	thresholds map[types.Platform]config.PlatformStaleness
}

// NewStalenessPolicy creates a policy from the configured thresholds
func NewStalenessPolicy(cfg config.StalenessConfig) *StalenessPolicy {
	return &StalenessPolicy{
		thresholds: map[types.Platform]config.PlatformStaleness{
			types.PlatformChessCom: cfg.ChessCom,
			types.PlatformLichess:  cfg.Lichess,
		},
	}
}

// Threshold returns how long a fetch of jobType stays fresh. Zero means the
// job type is not refreshed on its own for the platform: lichess has no
// stats endpoint and games are driven by archive scans.
func (p *StalenessPolicy) Threshold(platform types.Platform, jobType types.JobType) time.Duration {
	t := p.thresholds[platform]
	switch jobType {
	case types.JobTypeProfile:
		return t.Profile
	case types.JobTypeStats:
		return t.Stats
	case types.JobTypeArchives:
		return t.Archives
	default:
		return 0
	}
}

// Applies reports whether jobType is refreshed for the platform
func (p *StalenessPolicy) Applies(platform types.Platform, jobType types.JobType) bool {
	return p.Threshold(platform, jobType) > 0
}

// JobTypes returns the refreshable job types of a platform in planning order
func (p *StalenessPolicy) JobTypes(platform types.Platform) []types.JobType {
	var out []types.JobType
	for _, jt := range []types.JobType{types.JobTypeProfile, types.JobTypeStats, types.JobTypeArchives} {
		if p.Applies(platform, jt) {
			out = append(out, jt)
		}
	}
	return out
}

// IsStale reports whether a fetch of jobType last done at last is due at now.
// A part never fetched is always stale.
func (p *StalenessPolicy) IsStale(platform types.Platform, jobType types.JobType, last *time.Time, now time.Time) bool {
	threshold := p.Threshold(platform, jobType)
	if threshold <= 0 {
		return false
	}
	if last == nil {
		return true
	}
	return !now.Before(last.Add(threshold))
}

// NextFetch returns when a fetch of jobType done at now becomes stale
func (p *StalenessPolicy) NextFetch(platform types.Platform, jobType types.JobType, now time.Time) time.Time {
	return now.Add(p.Threshold(platform, jobType))
}

// PriorityFor picks the queue priority of a job for the account in state.
// state may be nil for an account without bookkeeping yet.
func (p *StalenessPolicy) PriorityFor(state *models.IngestionState, jobType types.JobType, interactive bool) types.Priority {
	switch {
	case interactive:
		return types.PriorityInteractive
	case jobType == types.JobTypeGames:
		return types.PriorityBackfill
	case state == nil || state.NeverFetched():
		return types.PriorityNewAccount
	default:
		return types.PriorityRefresh
	}
}
