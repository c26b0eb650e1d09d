package job

import (
	"context"
	"time"

	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/types"
)

// ArchivesHandler discovers the monthly archives of an account and queues
// the months that need their games fetched
type ArchivesHandler struct {
	deps *Deps
}

// NewArchivesHandler creates an archives handler
func NewArchivesHandler(deps *Deps) *ArchivesHandler {
	return &ArchivesHandler{deps: deps}
}

// Type returns JobTypeArchives
func (h *ArchivesHandler) Type() types.JobType { return types.JobTypeArchives }

// Prepare marks the account running
func (h *ArchivesHandler) Prepare(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	return false, h.deps.markRunning(ctx, job, now)
}

// Fetch requests the archive index. Platforms without one need no request;
// their months are enumerated from the join date in Apply.
func (h *ArchivesHandler) Fetch(ctx context.Context, job *models.Job) (*Fetched, error) {
	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}
	if !client.HasArchiveIndex() {
		return &Fetched{}, nil
	}
	return h.deps.fetch(ctx, job, client, client.ArchivesURL(job.Scope.Account))
}

// Apply records new months and returns a games job for every month that is
// pending, retryable after a failure, or the still-running current month.
// A 304 only skips the discovery step; the stored months are still
// scheduled.
func (h *ArchivesHandler) Apply(ctx context.Context, job *models.Job, fetched *Fetched, now time.Time) ([]models.EnqueueRequest, error) {
	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}
	accountID, err := h.deps.accountID(ctx, job)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform": job.Platform,
		"username": job.Scope.Account,
	})

	if !fetched.NotModified() {
		var months []models.ArchiveMonth
		if client.HasArchiveIndex() {
			var skipped []string
			months, skipped, err = normalize.ChessComArchives(fetched.Body(), h.deps.Queue.ArchiveMonthLimit)
			if err != nil {
				return nil, err
			}
			for _, s := range skipped {
				log.WithField("archive_url", s).Warn("Skipping unparseable archive entry")
			}
		} else {
			account, err := h.deps.Store.Accounts.GetByID(ctx, accountID)
			if err != nil {
				return nil, err
			}
			from := now
			if account.JoinedAt != nil {
				from = *account.JoinedAt
			}
			months = normalize.LimitMonths(normalize.MonthsBetween(from, now), h.deps.Queue.ArchiveMonthLimit)
			for i := range months {
				months[i].URL = client.MonthURL(job.Scope.Account, months[i].Year, months[i].Month)
			}
		}

		discovered := 0
		for _, month := range months {
			isNew, err := h.deps.Store.Archives.DiscoverMonth(ctx, accountID, job.Platform, month, now)
			if err != nil {
				return nil, err
			}
			if isNew {
				discovered++
			}
		}
		if discovered > 0 {
			log.Infof("Discovered %d new archive months", discovered)
		}
	}

	followUps, err := h.schedule(ctx, job, accountID, now)
	if err != nil {
		return nil, err
	}
	if err := h.deps.markFetched(ctx, job, types.JobTypeArchives, now); err != nil {
		return nil, err
	}
	return followUps, nil
}

func (h *ArchivesHandler) schedule(ctx context.Context, job *models.Job, accountID int64, now time.Time) ([]models.EnqueueRequest, error) {
	units, err := h.deps.Store.Archives.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	retryable, err := h.deps.Store.Archives.ListRetryable(ctx, accountID, h.deps.Queue.ArchiveMaxRetries, now)
	if err != nil {
		return nil, err
	}
	retry := make(map[int64]bool, len(retryable))
	for _, u := range retryable {
		retry[u.ID] = true
	}

	var followUps []models.EnqueueRequest
	for _, unit := range units {
		month := models.ArchiveMonth{Year: unit.Year, Month: unit.Month}
		switch {
		case unit.Status == types.ArchiveStatusPending:
		case retry[unit.ID]:
			if err := h.deps.Store.Archives.Reopen(ctx, unit.ID, now); err != nil {
				return nil, err
			}
		case unit.Status == types.ArchiveStatusSucceeded && month.IsCurrentMonth(now):
			if err := h.deps.Store.Archives.Reopen(ctx, unit.ID, now); err != nil {
				return nil, err
			}
		default:
			continue
		}
		followUps = append(followUps, gamesRequest(job, unit, h.deps.Policy.PriorityFor(nil, types.JobTypeGames, false)))
	}
	return followUps, nil
}

// OnFailure moves the account state
func (h *ArchivesHandler) OnFailure(ctx context.Context, job *models.Job, failure Failure) error {
	return h.deps.accountFailure(ctx, job, failure)
}

func gamesRequest(job *models.Job, unit *models.ArchiveUnit, priority types.Priority) models.EnqueueRequest {
	return models.EnqueueRequest{
		Type: types.JobTypeGames,
		Scope: models.Scope{
			Platform:   job.Platform,
			Account:    job.Scope.Account,
			AccountID:  unit.AccountID,
			Year:       unit.Year,
			Month:      unit.Month,
			ArchiveURL: unit.URL,
		},
		Priority: priority,
	}
}
