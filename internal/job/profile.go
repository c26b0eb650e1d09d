package job

import (
	"context"
	"time"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/types"
)

// ProfileHandler refreshes an account's profile. On platforms that serve
// stats with the profile it stores those too.
type ProfileHandler struct {
	deps *Deps
}

// NewProfileHandler creates a profile handler
func NewProfileHandler(deps *Deps) *ProfileHandler {
	return &ProfileHandler{deps: deps}
}

// Type returns JobTypeProfile
func (h *ProfileHandler) Type() types.JobType { return types.JobTypeProfile }

// Prepare creates the account bookkeeping if missing and marks it running
func (h *ProfileHandler) Prepare(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	if err := h.deps.Store.States.Ensure(ctx, job.Platform, job.Scope.Account, now); err != nil {
		return false, err
	}
	return false, h.deps.markRunning(ctx, job, now)
}

// Fetch requests the profile endpoint
func (h *ProfileHandler) Fetch(ctx context.Context, job *models.Job) (*Fetched, error) {
	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}
	return h.deps.fetch(ctx, job, client, client.ProfileURL(job.Scope.Account))
}

// Apply upserts the account and returns the stats and archive scans that
// are due
func (h *ProfileHandler) Apply(ctx context.Context, job *models.Job, fetched *Fetched, now time.Time) ([]models.EnqueueRequest, error) {
	if fetched.NotModified() {
		return nil, h.deps.markFetched(ctx, job, types.JobTypeProfile, now)
	}

	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}

	var (
		account *models.Account
		stats   []models.ModeStats
	)
	switch job.Platform {
	case types.PlatformChessCom:
		account, err = normalize.ChessComProfile(fetched.Body())
	case types.PlatformLichess:
		account, stats, err = normalize.LichessUser(fetched.Body())
	default:
		err = apperrors.NewValidationError("unsupported platform "+string(job.Platform), nil)
	}
	if err != nil {
		return nil, err
	}
	account.Platform = job.Platform

	accountID, err := h.deps.Store.Accounts.Upsert(ctx, account, now)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Store.States.LinkAccount(ctx, job.Platform, job.Scope.Account, accountID, now); err != nil {
		return nil, err
	}
	if !client.HasSeparateStats() && len(stats) > 0 {
		if err := h.deps.Store.Stats.UpsertModeStats(ctx, accountID, stats, now); err != nil {
			return nil, err
		}
	}

	// read the state before touching it so the follow-ups see the old
	// fetch times
	state, err := h.deps.Store.States.Get(ctx, job.Platform, job.Scope.Account)
	if err != nil {
		return nil, err
	}
	if err := h.deps.markFetched(ctx, job, types.JobTypeProfile, now); err != nil {
		return nil, err
	}

	var followUps []models.EnqueueRequest
	for _, next := range []types.JobType{types.JobTypeStats, types.JobTypeArchives} {
		if next == types.JobTypeStats && !client.HasSeparateStats() {
			continue
		}
		if !h.deps.Policy.IsStale(job.Platform, next, state.LastFetch(next), now) {
			continue
		}
		followUps = append(followUps, followUp(job, next, accountID, job.Priority))
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform":   job.Platform,
		"username":   job.Scope.Account,
		"account_id": accountID,
		"follow_ups": len(followUps),
	}).Info("Stored profile")
	return followUps, nil
}

// OnFailure moves the account state
func (h *ProfileHandler) OnFailure(ctx context.Context, job *models.Job, failure Failure) error {
	return h.deps.accountFailure(ctx, job, failure)
}
