package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

const archiveColumns = `id, account_id, platform, year, month, url, fetch_status, retry_count,
	next_retry_at, checksum, game_count, last_fetch_at, last_success_at, last_error, created_at, updated_at`

// ArchiveRepository tracks the fetch state of monthly game archives
type ArchiveRepository struct {
	db *DB
}

// NewArchiveRepository creates a new archive repository
func NewArchiveRepository(db *DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

func scanArchive(row rowScanner) (*models.ArchiveUnit, error) {
	var (
		unit          models.ArchiveUnit
		nextRetryAt   sql.NullInt64
		checksum      sql.NullString
		lastFetchAt   sql.NullInt64
		lastSuccessAt sql.NullInt64
		lastError     sql.NullString
		createdAt     int64
		updatedAt     int64
	)

	err := row.Scan(
		&unit.ID,
		&unit.AccountID,
		&unit.Platform,
		&unit.Year,
		&unit.Month,
		&unit.URL,
		&unit.Status,
		&unit.RetryCount,
		&nextRetryAt,
		&checksum,
		&unit.GameCount,
		&lastFetchAt,
		&lastSuccessAt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	unit.NextRetryAt = timePtr(nextRetryAt)
	unit.Checksum = stringPtr(checksum)
	unit.LastFetchAt = timePtr(lastFetchAt)
	unit.LastSuccessAt = timePtr(lastSuccessAt)
	unit.LastError = stringPtr(lastError)
	unit.CreatedAt = fromMillis(createdAt)
	unit.UpdatedAt = fromMillis(updatedAt)

	return &unit, nil
}

// DiscoverMonth records a month found in an archive index. It reports
// whether the month was new; known months are left untouched.
func (r *ArchiveRepository) DiscoverMonth(ctx context.Context, accountID int64, platform types.Platform, month models.ArchiveMonth, now time.Time) (bool, error) {
	query := `
		INSERT INTO archive_units (
			account_id, platform, year, month, url, fetch_status, retry_count,
			game_count, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?)
		ON CONFLICT (account_id, year, month) DO NOTHING
	`

	result, err := r.db.exec(ctx, query,
		accountID, string(platform), month.Year, month.Month, month.URL, toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to discover archive month: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Get retrieves an archive unit by ID
func (r *ArchiveRepository) Get(ctx context.Context, id int64) (*models.ArchiveUnit, error) {
	unit, err := scanArchive(r.db.queryRow(ctx, `SELECT `+archiveColumns+` FROM archive_units WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive unit: %w", err)
	}
	return unit, nil
}

// GetByMonth retrieves the archive unit of an account for one month
func (r *ArchiveRepository) GetByMonth(ctx context.Context, accountID int64, year, month int) (*models.ArchiveUnit, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_units WHERE account_id = ? AND year = ? AND month = ?`
	unit, err := scanArchive(r.db.queryRow(ctx, query, accountID, year, month))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive unit: %w", err)
	}
	return unit, nil
}

// ListByAccount returns every archive unit of an account, oldest month first
func (r *ArchiveRepository) ListByAccount(ctx context.Context, accountID int64) ([]*models.ArchiveUnit, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_units WHERE account_id = ? ORDER BY year, month`
	return r.list(ctx, query, accountID)
}

// ListRetryable returns failed units of an account that have been retried
// fewer than maxRetries times and whose backoff has elapsed
func (r *ArchiveRepository) ListRetryable(ctx context.Context, accountID int64, maxRetries int, now time.Time) ([]*models.ArchiveUnit, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_units
		WHERE account_id = ? AND fetch_status = 'failed' AND retry_count < ?
		AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY year, month`
	return r.list(ctx, query, accountID, maxRetries, toMillis(now))
}

func (r *ArchiveRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.ArchiveUnit, error) {
	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive units: %w", err)
	}
	defer rows.Close()

	var units []*models.ArchiveUnit
	for rows.Next() {
		unit, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

// transition moves a unit to next if its current status allows it. set
// holds extra assignments with their arguments.
func (r *ArchiveRepository) transition(ctx context.Context, id int64, next types.ArchiveStatus, now time.Time, set string, args ...interface{}) error {
	sources := types.ArchiveSourcesFor(next)
	if len(sources) == 0 {
		return ErrInvalidTransition
	}

	assignments := []string{"fetch_status = ?", "updated_at = ?"}
	if set != "" {
		assignments = append(assignments, set)
	}

	query := fmt.Sprintf(`UPDATE archive_units SET %s WHERE id = ? AND fetch_status IN (%s)`,
		strings.Join(assignments, ", "), placeholders(len(sources)))

	params := []interface{}{string(next), toMillis(now)}
	params = append(params, args...)
	params = append(params, id)
	for _, s := range sources {
		params = append(params, string(s))
	}

	result, err := r.db.exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to move archive unit %d to %s: %w", id, next, err)
	}
	return requireOneRow(result, ErrInvalidTransition)
}

// MarkRunning claims a unit for fetching
func (r *ArchiveRepository) MarkRunning(ctx context.Context, id int64, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusRunning, now, "")
}

// Reopen puts a failed unit, or the still-growing current month, back to
// pending
func (r *ArchiveRepository) Reopen(ctx context.Context, id int64, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusPending, now, "")
}

// MarkSucceeded stores the outcome of a successful fetch
func (r *ArchiveRepository) MarkSucceeded(ctx context.Context, id int64, checksum string, gameCount int, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusSucceeded, now,
		"checksum = ?, game_count = ?, last_fetch_at = ?, last_success_at = ?, last_error = NULL, next_retry_at = NULL",
		checksum, gameCount, toMillis(now), toMillis(now))
}

// MarkNotModified records a fetch that found nothing new. Only the
// last-fetch timestamp changes.
func (r *ArchiveRepository) MarkNotModified(ctx context.Context, id int64, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusSucceeded, now,
		"last_fetch_at = ?, last_error = NULL", toMillis(now))
}

// MarkRetrying hands a running unit back to pending while its job retries
func (r *ArchiveRepository) MarkRetrying(ctx context.Context, id int64, cause string, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusPending, now,
		"last_fetch_at = ?, last_error = ?", toMillis(now), cause)
}

// MarkFailed records a unit whose job failed terminally. The retry count
// grows and nextRetryAt gates the next reopen.
func (r *ArchiveRepository) MarkFailed(ctx context.Context, id int64, cause string, nextRetryAt time.Time, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusFailed, now,
		"retry_count = retry_count + 1, next_retry_at = ?, last_fetch_at = ?, last_error = ?",
		toMillis(nextRetryAt), toMillis(now), cause)
}

// MarkSkipped retires a unit that is gone upstream
func (r *ArchiveRepository) MarkSkipped(ctx context.Context, id int64, cause string, now time.Time) error {
	return r.transition(ctx, id, types.ArchiveStatusSkipped, now,
		"last_fetch_at = ?, last_error = ?", toMillis(now), cause)
}
