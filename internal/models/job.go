package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/chess-ingest/internal/retry"
	"github.com/chess-ingest/internal/types"
)

// Scope is the parameter set of a job. Only Platform, Account, Year and
// Month take part in the dedupe key; the rest are lookup hints.
type Scope struct {
	Platform   types.Platform `json:"platform"`
	Account    string         `json:"account"`
	AccountID  int64          `json:"account_id,omitempty"`
	Year       int            `json:"year,omitempty"`
	Month      int            `json:"month,omitempty"`
	ArchiveURL string         `json:"archive_url,omitempty"`
}

// NormalizeAccount lower-cases and trims an upstream username. Both
// platforms treat usernames case-insensitively.
func NormalizeAccount(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// DedupeKey derives the deterministic dedupe key for a job type and scope
func DedupeKey(jobType types.JobType, scope Scope) string {
	account := NormalizeAccount(scope.Account)
	switch jobType {
	case types.JobTypeGames:
		return fmt.Sprintf("%s:%s:%s:%04d-%02d", jobType, scope.Platform, account, scope.Year, scope.Month)
	default:
		return fmt.Sprintf("%s:%s:%s", jobType, scope.Platform, account)
	}
}

// Job is one durable unit of work in the queue
type Job struct {
	ID          int64           `json:"id"`
	Type        types.JobType   `json:"type"`
	Platform    types.Platform  `json:"platform"`
	Scope       Scope           `json:"scope"`
	DedupeKey   string          `json:"dedupeKey"`
	Status      types.JobStatus `json:"status"`
	Priority    types.Priority  `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	AvailableAt time.Time       `json:"availableAt"`
	LeasedAt    *time.Time      `json:"leasedAt,omitempty"`
	LeasedBy    *string         `json:"leasedBy,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	LastError   *string         `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// LeaseToken returns the worker token holding the lease, or "" when unleased
func (j *Job) LeaseToken() string {
	if j.LeasedBy == nil {
		return ""
	}
	return *j.LeasedBy
}

// EnqueueRequest asks the job store for a unit of work. Handlers return
// these as follow-ups instead of touching the store themselves.
type EnqueueRequest struct {
	Type        types.JobType
	Scope       Scope
	Priority    types.Priority
	Delay       time.Duration
	MaxAttempts int
}

// DedupeKey returns the dedupe key the request will be stored under
func (r EnqueueRequest) DedupeKey() string {
	return DedupeKey(r.Type, r.Scope)
}

// FailurePolicy holds the knobs that decide where a failed job goes next
type FailurePolicy struct {
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RateLimitWait time.Duration
}

// FailureOutcome is the next persisted state of a failed job
type FailureOutcome struct {
	Status      types.JobStatus
	Attempts    int
	AvailableAt time.Time
	Terminal    bool
}

// NextFailure decides the state after a failed attempt. Rate-limit waits do
// not consume the retry budget; everything else increments attempts and
// becomes terminal once attempts reaches MaxAttempts.
func NextFailure(job *Job, policy FailurePolicy, rateLimited bool, retryAfter *time.Duration, now time.Time) FailureOutcome {
	if rateLimited {
		wait := policy.RateLimitWait
		if retryAfter != nil && *retryAfter > 0 {
			wait = *retryAfter
		}
		return FailureOutcome{
			Status:      types.JobStatusQueued,
			Attempts:    job.Attempts,
			AvailableAt: now.Add(wait),
		}
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		return FailureOutcome{
			Status:      types.JobStatusFailed,
			Attempts:    attempts,
			AvailableAt: job.AvailableAt,
			Terminal:    true,
		}
	}

	delay := retry.Backoff(attempts, policy.BackoffBase, policy.BackoffMax)
	if retryAfter != nil && *retryAfter > 0 {
		delay = *retryAfter
	}
	return FailureOutcome{
		Status:      types.JobStatusQueued,
		Attempts:    attempts,
		AvailableAt: now.Add(delay),
	}
}
