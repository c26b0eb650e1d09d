// Package job holds one handler per job type. A handler fetches from the
// upstream platform, applies the payload to the store and returns the
// follow-up jobs to enqueue; it never enqueues by itself.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/adapter"
	"github.com/chess-ingest/internal/config"
	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/ratelimit"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
)

// Handler runs one job type. The scheduler calls Prepare, then Fetch
// outside any transaction, then Apply inside the transaction that also
// completes the job. OnFailure runs inside the transaction that records
// a failed attempt.
type Handler interface {
	// Type returns the job type handled
	Type() types.JobType

	// Prepare claims whatever the job works on. done reports that there
	// is nothing left to do and the job can be completed as is.
	Prepare(ctx context.Context, job *models.Job, now time.Time) (done bool, err error)

	// Fetch performs the upstream requests. It must not write to the store.
	Fetch(ctx context.Context, job *models.Job) (*Fetched, error)

	// Apply persists fetched and returns the follow-up jobs
	Apply(ctx context.Context, job *models.Job, fetched *Fetched, now time.Time) ([]models.EnqueueRequest, error)

	// OnFailure records the side effects of a failed attempt
	OnFailure(ctx context.Context, job *models.Job, failure Failure) error
}

// Fetched is what a handler's Fetch brought back
type Fetched struct {
	URL      string
	Response *adapter.Response // nil when nothing was requested upstream
	Cached   *models.CacheEntry
}

// NotModified reports whether the upstream answered 304
func (f *Fetched) NotModified() bool {
	return f != nil && f.Response != nil && f.Response.NotModified
}

// Body returns the response payload, nil when there is none
func (f *Fetched) Body() []byte {
	if f == nil || f.Response == nil {
		return nil
	}
	return f.Response.Body
}

// CacheEntry returns the validators to remember for the URL, or nil when
// nothing was requested. A 304 keeps the checksum of the stored payload.
func (f *Fetched) CacheEntry() *models.CacheEntry {
	if f == nil || f.Response == nil {
		return nil
	}

	entry := &models.CacheEntry{URL: f.URL}
	if f.Response.ETag != "" {
		entry.ETag = &f.Response.ETag
	}
	if f.Response.LastModified != "" {
		entry.LastModified = &f.Response.LastModified
	}
	switch {
	case f.Response.Checksum != "":
		entry.Checksum = &f.Response.Checksum
	case f.Cached != nil:
		entry.Checksum = f.Cached.Checksum
	}
	return entry
}

// Failure describes a failed attempt to a handler
type Failure struct {
	Err      *apperrors.CategorizedError
	Terminal bool
	Now      time.Time
}

// Cause returns the message stored with the failure
func (f Failure) Cause() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Deps are the collaborators shared by every handler
type Deps struct {
	Store             *storage.Store
	Clients           adapter.Clients
	Gate              ratelimit.Gate
	Policy            *service.StalenessPolicy
	Queue             config.QueueConfig
	DiscoverOpponents bool
}

// Registry maps job types to their handler
type Registry struct {
	handlers map[types.JobType]Handler
}

// NewRegistry creates every handler over deps. A nil gate is replaced by
// an in-process one.
func NewRegistry(deps *Deps) *Registry {
	if deps.Gate == nil {
		deps.Gate = ratelimit.NewLocalGate(nil)
	}

	handlers := []Handler{
		NewProfileHandler(deps),
		NewStatsHandler(deps),
		NewArchivesHandler(deps),
		NewGamesHandler(deps),
	}

	r := &Registry{handlers: make(map[types.JobType]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// For returns the handler of jobType
func (r *Registry) For(jobType types.JobType) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler for job type %q", jobType)
	}
	return h, nil
}

// client returns the platform client of the job
func (d *Deps) client(job *models.Job) (adapter.PlatformClient, error) {
	client, err := d.Clients.For(job.Platform)
	if err != nil {
		return nil, apperrors.NewValidationError("unsupported platform", err)
	}
	return client, nil
}

// fetch performs a conditional GET while holding the platform gate. A 429
// puts the whole platform into cooldown.
func (d *Deps) fetch(ctx context.Context, job *models.Job, client adapter.PlatformClient, url string) (*Fetched, error) {
	cached, err := d.Store.Cache.Get(ctx, url)
	if err != nil {
		return nil, apperrors.NewPersistenceError("cache lookup", err)
	}

	release, err := d.Gate.Acquire(ctx, job.Platform)
	if err != nil {
		return nil, apperrors.NewTransientNetworkError(url, err)
	}
	jobID := job.ID
	resp, err := func() (*adapter.Response, error) {
		defer release()
		return client.Fetch(ctx, adapter.Request{
			URL:        url,
			JobID:      &jobID,
			Validators: cached.Validators(),
		})
	}()
	if err != nil {
		if apperrors.IsRateLimited(err) {
			wait := d.Queue.RateLimitWait
			if ra := apperrors.RetryAfter(err); ra != nil && *ra > 0 {
				wait = *ra
			}
			if cdErr := d.Gate.Cooldown(ctx, job.Platform, wait); cdErr != nil {
				logging.FromContext(ctx).WithError(cdErr).Warn("Failed to set platform cooldown")
			}
		}
		return nil, err
	}

	return &Fetched{URL: url, Response: resp, Cached: cached}, nil
}

// accountID resolves the canonical account of a job. Jobs created before
// the first profile fetch only know the username.
func (d *Deps) accountID(ctx context.Context, job *models.Job) (int64, error) {
	if job.Scope.AccountID > 0 {
		return job.Scope.AccountID, nil
	}

	account, err := d.Store.Accounts.GetByUsername(ctx, job.Platform, job.Scope.Account)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, apperrors.NewValidationError(fmt.Sprintf("no profile stored for %s", job.Scope.Account), err)
		}
		return 0, apperrors.NewPersistenceError("account lookup", err)
	}
	return account.ID, nil
}

// markFetched records a successful fetch of the job's part of the account
func (d *Deps) markFetched(ctx context.Context, job *models.Job, jobType types.JobType, now time.Time) error {
	next := d.Policy.NextFetch(job.Platform, jobType, now)
	return d.Store.States.MarkFetched(ctx, job.Platform, job.Scope.Account, jobType, now, next)
}

// markRunning flags the account as being worked on
func (d *Deps) markRunning(ctx context.Context, job *models.Job, now time.Time) error {
	return d.Store.States.SetStatus(ctx, job.Platform, job.Scope.Account, types.IngestionRunning, "", now)
}

// accountFailure moves the account state after a failed attempt. Accounts
// that are gone or unknown upstream are blocked from further refreshes.
func (d *Deps) accountFailure(ctx context.Context, job *models.Job, failure Failure) error {
	status := types.IngestionScheduled
	if failure.Terminal {
		status = types.IngestionError
		switch failure.Err.Kind {
		case types.ErrorNotFound, types.ErrorPermanentlyGone:
			status = types.IngestionBlocked
		}
	}
	return d.Store.States.SetStatus(ctx, job.Platform, job.Scope.Account, status, failure.Cause(), failure.Now)
}

// followUp builds a follow-up request for the same account
func followUp(job *models.Job, jobType types.JobType, accountID int64, priority types.Priority) models.EnqueueRequest {
	return models.EnqueueRequest{
		Type: jobType,
		Scope: models.Scope{
			Platform:  job.Platform,
			Account:   job.Scope.Account,
			AccountID: accountID,
		},
		Priority: priority,
	}
}
