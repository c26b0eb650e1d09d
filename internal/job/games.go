package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/retry"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
)

// Archive units that failed terminally back off from ArchiveRetryBase up
// to ArchiveRetryMax before an archive scan reopens them.
const (
	ArchiveRetryBase = time.Hour
	ArchiveRetryMax  = 24 * time.Hour
)

// GamesHandler fetches the games of one monthly archive
type GamesHandler struct {
	deps *Deps
}

// NewGamesHandler creates a games handler
func NewGamesHandler(deps *Deps) *GamesHandler {
	return &GamesHandler{deps: deps}
}

// Type returns JobTypeGames
func (h *GamesHandler) Type() types.JobType { return types.JobTypeGames }

func (h *GamesHandler) unit(ctx context.Context, job *models.Job) (*models.ArchiveUnit, error) {
	accountID, err := h.deps.accountID(ctx, job)
	if err != nil {
		return nil, err
	}
	unit, err := h.deps.Store.Archives.GetByMonth(ctx, accountID, job.Scope.Year, job.Scope.Month)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewValidationError(
				fmt.Sprintf("no archive unit for %04d-%02d", job.Scope.Year, job.Scope.Month), err)
		}
		return nil, err
	}
	return unit, nil
}

// Prepare moves the archive unit to running. A unit that already
// succeeded or was skipped leaves nothing to do.
func (h *GamesHandler) Prepare(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	unit, err := h.unit(ctx, job)
	if err != nil {
		return false, err
	}

	switch unit.Status {
	case types.ArchiveStatusSucceeded, types.ArchiveStatusSkipped:
		return true, nil
	case types.ArchiveStatusFailed:
		if err := h.deps.Store.Archives.Reopen(ctx, unit.ID, now); err != nil {
			return false, err
		}
	}
	return false, h.deps.Store.Archives.MarkRunning(ctx, unit.ID, now)
}

// Fetch requests the month's games
func (h *GamesHandler) Fetch(ctx context.Context, job *models.Job) (*Fetched, error) {
	client, err := h.deps.client(job)
	if err != nil {
		return nil, err
	}
	url := job.Scope.ArchiveURL
	if url == "" {
		url = client.MonthURL(job.Scope.Account, job.Scope.Year, job.Scope.Month)
	}
	return h.deps.fetch(ctx, job, client, url)
}

// Apply inserts the month's games unless the payload is unchanged since the
// last successful fetch
func (h *GamesHandler) Apply(ctx context.Context, job *models.Job, fetched *Fetched, now time.Time) ([]models.EnqueueRequest, error) {
	unit, err := h.unit(ctx, job)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"platform": job.Platform,
		"username": job.Scope.Account,
		"month":    fmt.Sprintf("%04d-%02d", unit.Year, unit.Month),
	})

	if fetched.NotModified() {
		return nil, h.deps.Store.Archives.MarkNotModified(ctx, unit.ID, now)
	}

	checksum := fetched.Response.Checksum
	if unit.Checksum != nil && *unit.Checksum == checksum {
		log.Debug("Archive unchanged")
		return nil, h.deps.Store.Archives.MarkSucceeded(ctx, unit.ID, checksum, unit.GameCount, now)
	}

	var games []*models.Game
	switch job.Platform {
	case types.PlatformChessCom:
		games, err = normalize.ChessComGames(fetched.Body(), unit.AccountID, &unit.ID)
	case types.PlatformLichess:
		games, err = normalize.LichessGames(fetched.Body(), unit.AccountID, &unit.ID)
	default:
		err = apperrors.NewValidationError("unsupported platform "+string(job.Platform), nil)
	}
	if err != nil {
		return nil, err
	}

	inserted, err := h.deps.Store.Games.InsertGames(ctx, games, now)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Store.Archives.MarkSucceeded(ctx, unit.ID, checksum, len(games), now); err != nil {
		return nil, err
	}
	log.WithField("inserted", inserted).Infof("Stored %d games", len(games))

	if !h.deps.DiscoverOpponents {
		return nil, nil
	}
	return h.opponents(ctx, job, games)
}

// opponents returns profile jobs for opponents never seen before
func (h *GamesHandler) opponents(ctx context.Context, job *models.Job, games []*models.Game) ([]models.EnqueueRequest, error) {
	seen := make(map[string]bool)
	var names []string
	for _, g := range games {
		name := g.Opponent(job.Scope.Account)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	known, err := h.deps.Store.States.Known(ctx, job.Platform, names)
	if err != nil {
		return nil, err
	}

	var followUps []models.EnqueueRequest
	for _, name := range names {
		if known[name] {
			continue
		}
		followUps = append(followUps, models.EnqueueRequest{
			Type:     types.JobTypeProfile,
			Scope:    models.Scope{Platform: job.Platform, Account: name},
			Priority: types.PriorityBackfill,
		})
	}
	return followUps, nil
}

// OnFailure hands the unit back for the job's retry, or retires it once
// the job failed for good
func (h *GamesHandler) OnFailure(ctx context.Context, job *models.Job, failure Failure) error {
	unit, err := h.unit(ctx, job)
	if err != nil {
		if apperrors.KindOf(err) == types.ErrorValidation {
			return nil
		}
		return err
	}

	cause := failure.Cause()
	switch {
	case failure.Err.Kind == types.ErrorPermanentlyGone:
		err = h.deps.Store.Archives.MarkSkipped(ctx, unit.ID, cause, failure.Now)
	case failure.Terminal:
		next := failure.Now.Add(retry.Backoff(unit.RetryCount+1, ArchiveRetryBase, ArchiveRetryMax))
		err = h.deps.Store.Archives.MarkFailed(ctx, unit.ID, cause, next, failure.Now)
	default:
		err = h.deps.Store.Archives.MarkRetrying(ctx, unit.ID, cause, failure.Now)
	}

	if errors.Is(err, storage.ErrInvalidTransition) {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"archive_id": unit.ID,
			"status":     unit.Status,
		}).Warn("Archive unit not running, leaving it as is")
		return nil
	}
	return err
}
