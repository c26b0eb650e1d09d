package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
)

// DefaultSweepLimit bounds the accounts examined by one sweep
const DefaultSweepLimit = 500

// RefreshPlanner turns stale ingestion state into queued jobs
type RefreshPlanner struct {
	store  *storage.Store
	policy *StalenessPolicy
	limit  int
}

// NewRefreshPlanner creates a planner over store
func NewRefreshPlanner(store *storage.Store, policy *StalenessPolicy) *RefreshPlanner {
	return &RefreshPlanner{
		store:  store,
		policy: policy,
		limit:  DefaultSweepLimit,
	}
}

// Policy returns the staleness policy the planner enqueues with
func (p *RefreshPlanner) Policy() *StalenessPolicy {
	return p.policy
}

// Sweep enqueues a job for every stale part of every due account that has
// no active job yet, and returns the number of jobs enqueued. A failure on
// one account is logged and the sweep moves on.
func (p *RefreshPlanner) Sweep(ctx context.Context, now time.Time) (int, error) {
	states, err := p.store.States.ListDue(ctx, now, p.limit)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, state := range states {
		n, err := p.planAccount(ctx, state, now)
		if err != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"platform": state.Platform,
				"username": state.Username,
			}).WithError(err).Warn("Failed to plan account refresh")
			continue
		}
		total += n
	}

	if total > 0 {
		logging.FromContext(ctx).WithField("enqueued", total).Infof("Refresh sweep over %d due accounts", len(states))
	}
	return total, nil
}

func (p *RefreshPlanner) planAccount(ctx context.Context, state *models.IngestionState, now time.Time) (int, error) {
	jobTypes := p.policy.JobTypes(state.Platform)
	// stats and archives follow from the first profile fetch
	if state.NeverFetched() {
		jobTypes = []types.JobType{types.JobTypeProfile}
	}

	enqueued := 0
	err := p.store.DB.WithTx(ctx, func(ctx context.Context) error {
		enqueued = 0
		for _, jobType := range jobTypes {
			if !p.policy.IsStale(state.Platform, jobType, state.LastFetch(jobType), now) {
				continue
			}

			req := models.EnqueueRequest{
				Type:     jobType,
				Scope:    scopeOf(state),
				Priority: p.policy.PriorityFor(state, jobType, false),
			}
			active, err := p.store.Jobs.HasActive(ctx, req.DedupeKey())
			if err != nil {
				return err
			}
			if active {
				continue
			}

			if _, err := p.store.Jobs.Enqueue(ctx, req, now); err != nil {
				return err
			}
			enqueued++
		}

		if enqueued == 0 {
			return nil
		}
		return p.store.States.SetStatus(ctx, state.Platform, state.Username, types.IngestionScheduled, "", now)
	})
	return enqueued, err
}

// SeedAccount creates the bookkeeping of an account if needed and queues a
// profile fetch for it. An active profile job is reused with its priority
// raised instead.
func (p *RefreshPlanner) SeedAccount(ctx context.Context, platform types.Platform, username string, interactive bool, now time.Time) (*models.Job, error) {
	if !platform.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown platform %q", platform), nil)
	}
	username = models.NormalizeAccount(username)
	if username == "" {
		return nil, apperrors.NewValidationError("username is required", nil)
	}

	var job *models.Job
	err := p.store.DB.WithTx(ctx, func(ctx context.Context) error {
		if err := p.store.States.Ensure(ctx, platform, username, now); err != nil {
			return err
		}
		state, err := p.store.States.Get(ctx, platform, username)
		if err != nil {
			return err
		}

		job, err = p.store.Jobs.Enqueue(ctx, models.EnqueueRequest{
			Type:     types.JobTypeProfile,
			Scope:    scopeOf(state),
			Priority: p.policy.PriorityFor(state, types.JobTypeProfile, interactive),
		}, now)
		if err != nil {
			return err
		}
		return p.store.States.SetStatus(ctx, platform, username, types.IngestionScheduled, "", now)
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform": platform,
		"username": username,
		"job_id":   job.ID,
		"priority": job.Priority,
	}).Info("Seeded account")
	return job, nil
}

func scopeOf(state *models.IngestionState) models.Scope {
	scope := models.Scope{Platform: state.Platform, Account: state.Username}
	if state.AccountID != nil {
		scope.AccountID = *state.AccountID
	}
	return scope
}
