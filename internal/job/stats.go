package job

import (
	"context"
	"time"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/types"
)

// StatsHandler refreshes per-mode ratings on platforms with a separate
// stats endpoint
type StatsHandler struct {
	deps *Deps
}

// NewStatsHandler creates a stats handler
func NewStatsHandler(deps *Deps) *StatsHandler {
	return &StatsHandler{deps: deps}
}

// Type returns JobTypeStats
func (h *StatsHandler) Type() types.JobType { return types.JobTypeStats }

// Prepare marks the account running
func (h *StatsHandler) Prepare(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	return false, h.deps.markRunning(ctx, job, now)
}

// Fetch requests the stats endpoint
func (h *StatsHandler) Fetch(ctx context.Context, job *models.Job) (*Fetched, error) {
	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}
	if !client.HasSeparateStats() {
		return nil, apperrors.NewValidationError(string(job.Platform)+" serves stats with the profile", nil)
	}
	return h.deps.fetch(ctx, job, client, client.StatsURL(job.Scope.Account))
}

// Apply upserts every mode
func (h *StatsHandler) Apply(ctx context.Context, job *models.Job, fetched *Fetched, now time.Time) ([]models.EnqueueRequest, error) {
	if fetched.NotModified() {
		return nil, h.deps.markFetched(ctx, job, types.JobTypeStats, now)
	}

	stats, err := normalize.ChessComStats(fetched.Body())
	if err != nil {
		return nil, err
	}
	accountID, err := h.deps.accountID(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Store.Stats.UpsertModeStats(ctx, accountID, stats, now); err != nil {
		return nil, err
	}
	return nil, h.deps.markFetched(ctx, job, types.JobTypeStats, now)
}

// OnFailure moves the account state
func (h *StatsHandler) OnFailure(ctx context.Context, job *models.Job, failure Failure) error {
	return h.deps.accountFailure(ctx, job, failure)
}
