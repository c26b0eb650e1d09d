package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

const jobColumns = `id, job_type, platform, scope, dedupe_key, status, priority, attempts,
	max_attempts, available_at, leased_at, leased_by, completed_at, last_error, created_at, updated_at`

// activeStatuses must match the predicate of the jobs_active_dedupe_key index
const activeStatuses = `status IN ('queued', 'leased')`

// JobRepository is the durable job queue
type JobRepository struct {
	db                 *DB
	policy             models.FailurePolicy
	defaultMaxAttempts int
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, cfg config.QueueConfig) *JobRepository {
	return &JobRepository{
		db: db,
		policy: models.FailurePolicy{
			BackoffBase:   cfg.BackoffBase,
			BackoffMax:    cfg.BackoffMax,
			RateLimitWait: cfg.RateLimitWait,
		},
		defaultMaxAttempts: cfg.MaxAttempts,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		scope       string
		priority    int
		availableAt int64
		createdAt   int64
		updatedAt   int64
		leasedAt    sql.NullInt64
		completedAt sql.NullInt64
		leasedBy    sql.NullString
		lastError   sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Platform,
		&scope,
		&job.DedupeKey,
		&job.Status,
		&priority,
		&job.Attempts,
		&job.MaxAttempts,
		&availableAt,
		&leasedAt,
		&leasedBy,
		&completedAt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scope), &job.Scope); err != nil {
		return nil, fmt.Errorf("failed to decode scope of job %d: %w", job.ID, err)
	}
	job.Priority = types.Priority(priority)
	job.AvailableAt = fromMillis(availableAt)
	job.LeasedAt = timePtr(leasedAt)
	job.LeasedBy = stringPtr(leasedBy)
	job.CompletedAt = timePtr(completedAt)
	job.LastError = stringPtr(lastError)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)

	return &job, nil
}

// Enqueue inserts a queued job, or returns the active job already holding
// the same dedupe key with its priority raised to the higher of the two.
// There is never more than one active row per dedupe key.
func (r *JobRepository) Enqueue(ctx context.Context, req models.EnqueueRequest, now time.Time) (*models.Job, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("cannot enqueue unknown job type %q", req.Type)
	}
	if !req.Scope.Platform.Valid() {
		return nil, fmt.Errorf("cannot enqueue job for unknown platform %q", req.Scope.Platform)
	}
	if req.Scope.Account == "" {
		return nil, fmt.Errorf("cannot enqueue %s job without an account", req.Type)
	}

	req.Scope.Account = models.NormalizeAccount(req.Scope.Account)
	scope, err := json.Marshal(req.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scope: %w", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.defaultMaxAttempts
	}

	query := `
		INSERT INTO jobs (
			job_type, platform, scope, dedupe_key, status, priority, attempts,
			max_attempts, available_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, 'queued', ?, 0, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) WHERE ` + activeStatuses + `
		DO UPDATE SET
			priority = CASE WHEN excluded.priority > jobs.priority THEN excluded.priority ELSE jobs.priority END,
			updated_at = excluded.updated_at
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.queryRow(ctx, query,
		string(req.Type),
		string(req.Scope.Platform),
		string(scope),
		req.DedupeKey(),
		int(req.Priority.Clamp()),
		maxAttempts,
		toMillis(now.Add(req.Delay)),
		toMillis(now),
		toMillis(now),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job, nil
}

// Lease atomically claims the best eligible job: highest priority, then
// earliest available_at, then insertion order. Concurrent callers never
// receive the same job. Returns ErrNoJob when nothing is eligible.
func (r *JobRepository) Lease(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'leased', leased_at = ?, leased_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND available_at <= ?
			ORDER BY priority DESC, available_at ASC, id ASC
			LIMIT 1
			%s
		)
		AND status = 'queued'
		RETURNING %s`, r.db.skipLocked(), jobColumns)

	ms := toMillis(now)
	job, err := scanJob(r.db.queryRow(ctx, query, ms, workerID, ms, ms))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	return job, nil
}

// Complete marks a job the caller still holds as succeeded
func (r *JobRepository) Complete(ctx context.Context, job *models.Job, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'succeeded', completed_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND leased_by = ?
	`

	result, err := r.db.exec(ctx, query, toMillis(now), toMillis(now), job.ID, job.LeaseToken())
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return requireOneRow(result, ErrLeaseLost)
}

// Fail records a failed attempt. Rate-limited failures are requeued after
// retryAfter (or the default wait) without consuming an attempt; others
// back off exponentially until attempts reaches max_attempts.
func (r *JobRepository) Fail(ctx context.Context, job *models.Job, cause string, rateLimited bool, retryAfter *time.Duration, now time.Time) (models.FailureOutcome, error) {
	outcome := models.NextFailure(job, r.policy, rateLimited, retryAfter, now)

	var completedAt sql.NullInt64
	if outcome.Terminal {
		completedAt = sql.NullInt64{Int64: toMillis(now), Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = ?, attempts = ?, available_at = ?, last_error = ?,
			leased_at = NULL, leased_by = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'leased' AND leased_by = ?
	`

	result, err := r.db.exec(ctx, query,
		string(outcome.Status),
		outcome.Attempts,
		toMillis(outcome.AvailableAt),
		cause,
		completedAt,
		toMillis(now),
		job.ID,
		job.LeaseToken(),
	)
	if err != nil {
		return outcome, fmt.Errorf("failed to fail job: %w", err)
	}

	return outcome, requireOneRow(result, ErrLeaseLost)
}

// FailTerminal fails a job without retry, for failures no retry can fix
func (r *JobRepository) FailTerminal(ctx context.Context, job *models.Job, cause string, now time.Time) error {
	attempts := job.Attempts + 1
	if attempts > job.MaxAttempts {
		attempts = job.MaxAttempts
	}

	query := `
		UPDATE jobs
		SET status = 'failed', attempts = ?, last_error = ?, completed_at = ?,
			leased_at = NULL, leased_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND leased_by = ?
	`

	result, err := r.db.exec(ctx, query, attempts, cause, toMillis(now), toMillis(now), job.ID, job.LeaseToken())
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	return requireOneRow(result, ErrLeaseLost)
}

// ReapExpired requeues jobs leased for longer than ttl. Attempts are left
// unchanged; the crashed run never reported an outcome.
func (r *JobRepository) ReapExpired(ctx context.Context, ttl time.Duration, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'queued', leased_at = NULL, leased_by = NULL, available_at = ?, updated_at = ?
		WHERE status = 'leased' AND leased_at <= ?
	`

	result, err := r.db.exec(ctx, query, toMillis(now), toMillis(now), toMillis(now.Add(-ttl)))
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}

	return result.RowsAffected()
}

// Cancel cancels a queued job. Leased jobs cannot be cancelled; their
// lease expires instead.
func (r *JobRepository) Cancel(ctx context.Context, id int64, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`

	result, err := r.db.exec(ctx, query, toMillis(now), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if err := requireOneRow(result, ErrInvalidTransition); err != nil {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(r.db.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// FindActive returns the active job holding dedupeKey, or ErrNotFound
func (r *JobRepository) FindActive(ctx context.Context, dedupeKey string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE dedupe_key = ? AND ` + activeStatuses
	job, err := scanJob(r.db.queryRow(ctx, query, dedupeKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return job, nil
}

// HasActive reports whether a queued or leased job holds dedupeKey
func (r *JobRepository) HasActive(ctx context.Context, dedupeKey string) (bool, error) {
	_, err := r.FindActive(ctx, dedupeKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CountByDedupeKey counts every row, active or not, stored under dedupeKey
func (r *JobRepository) CountByDedupeKey(ctx context.Context, dedupeKey string) (int, error) {
	var n int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE dedupe_key = ?`, dedupeKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// List returns jobs newest first, optionally filtered by status
func (r *JobRepository) List(ctx context.Context, status types.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status types.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func requireOneRow(result sql.Result, notAffected error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notAffected
	}
	return nil
}
