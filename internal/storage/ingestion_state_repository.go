package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

const ingestionStateColumns = `platform, username, account_id, last_profile_fetch_at, next_profile_fetch_at,
	last_stats_fetch_at, next_stats_fetch_at, last_archive_scan_at, next_archive_scan_at,
	status, last_error, updated_at`

// IngestionStateRepository tracks per-account refresh bookkeeping
type IngestionStateRepository struct {
	db *DB
}

// NewIngestionStateRepository creates a new ingestion state repository
func NewIngestionStateRepository(db *DB) *IngestionStateRepository {
	return &IngestionStateRepository{db: db}
}

func scanIngestionState(row rowScanner) (*models.IngestionState, error) {
	var (
		state                            models.IngestionState
		accountID                        sql.NullInt64
		lastProfile, nextProfile         sql.NullInt64
		lastStats, nextStats             sql.NullInt64
		lastArchiveScan, nextArchiveScan sql.NullInt64
		lastError                        sql.NullString
		updatedAt                        int64
	)

	err := row.Scan(
		&state.Platform,
		&state.Username,
		&accountID,
		&lastProfile,
		&nextProfile,
		&lastStats,
		&nextStats,
		&lastArchiveScan,
		&nextArchiveScan,
		&state.Status,
		&lastError,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.AccountID = int64Ptr(accountID)
	state.LastProfileFetchAt = timePtr(lastProfile)
	state.NextProfileFetchAt = timePtr(nextProfile)
	state.LastStatsFetchAt = timePtr(lastStats)
	state.NextStatsFetchAt = timePtr(nextStats)
	state.LastArchiveScanAt = timePtr(lastArchiveScan)
	state.NextArchiveScanAt = timePtr(nextArchiveScan)
	state.LastError = stringPtr(lastError)
	state.UpdatedAt = fromMillis(updatedAt)

	return &state, nil
}

// Ensure creates the state row of an account if it does not exist yet
func (r *IngestionStateRepository) Ensure(ctx context.Context, platform types.Platform, username string, now time.Time) error {
	query := `
		INSERT INTO ingestion_state (platform, username, status, updated_at)
		VALUES (?, ?, 'idle', ?)
		ON CONFLICT (platform, username) DO NOTHING
	`
	if _, err := r.db.exec(ctx, query, string(platform), models.NormalizeAccount(username), toMillis(now)); err != nil {
		return fmt.Errorf("failed to ensure ingestion state: %w", err)
	}
	return nil
}

// Get retrieves the state of an account
func (r *IngestionStateRepository) Get(ctx context.Context, platform types.Platform, username string) (*models.IngestionState, error) {
	query := `SELECT ` + ingestionStateColumns + ` FROM ingestion_state WHERE platform = ? AND username = ?`
	state, err := scanIngestionState(r.db.queryRow(ctx, query, string(platform), models.NormalizeAccount(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ingestion state: %w", err)
	}
	return state, nil
}

// LinkAccount attaches the canonical account to the state row
func (r *IngestionStateRepository) LinkAccount(ctx context.Context, platform types.Platform, username string, accountID int64, now time.Time) error {
	query := `UPDATE ingestion_state SET account_id = ?, updated_at = ? WHERE platform = ? AND username = ?`
	if _, err := r.db.exec(ctx, query, accountID, toMillis(now), string(platform), models.NormalizeAccount(username)); err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

// MarkFetched records a successful fetch of jobType and schedules the next
// one. The account returns to idle.
func (r *IngestionStateRepository) MarkFetched(ctx context.Context, platform types.Platform, username string, jobType types.JobType, last, next time.Time) error {
	var lastCol, nextCol string
	switch jobType {
	case types.JobTypeProfile:
		lastCol, nextCol = "last_profile_fetch_at", "next_profile_fetch_at"
	case types.JobTypeStats:
		lastCol, nextCol = "last_stats_fetch_at", "next_stats_fetch_at"
	case types.JobTypeArchives:
		lastCol, nextCol = "last_archive_scan_at", "next_archive_scan_at"
	case types.JobTypeGames:
		return fmt.Errorf("games fetches are tracked per archive unit")
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}

	query := fmt.Sprintf(`
		UPDATE ingestion_state
		SET %s = ?, %s = ?, status = 'idle', last_error = NULL, updated_at = ?
		WHERE platform = ? AND username = ?`, lastCol, nextCol)

	result, err := r.db.exec(ctx, query, toMillis(last), toMillis(next), toMillis(last), string(platform), models.NormalizeAccount(username))
	if err != nil {
		return fmt.Errorf("failed to mark %s fetched: %w", jobType, err)
	}
	return requireOneRow(result, ErrNotFound)
}

// SetStatus updates the coarse status of an account. cause is stored as
// last_error when non-empty.
func (r *IngestionStateRepository) SetStatus(ctx context.Context, platform types.Platform, username string, status types.IngestionStatus, cause string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown ingestion status %q", status)
	}

	query := `
		UPDATE ingestion_state
		SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
		WHERE platform = ? AND username = ?
	`
	var lastError sql.NullString
	if cause != "" {
		lastError = sql.NullString{String: cause, Valid: true}
	}

	if _, err := r.db.exec(ctx, query, string(status), lastError, toMillis(now), string(platform), models.NormalizeAccount(username)); err != nil {
		return fmt.Errorf("failed to set ingestion status: %w", err)
	}
	return nil
}

// ListDue returns unblocked accounts with at least one refresh due at now,
// or with a profile never fetched
func (r *IngestionStateRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.IngestionState, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + ingestionStateColumns + ` FROM ingestion_state
		WHERE status <> 'blocked'
		AND (
			next_profile_fetch_at IS NULL
			OR next_profile_fetch_at <= ?
			OR next_stats_fetch_at <= ?
			OR next_archive_scan_at <= ?
		)
		ORDER BY updated_at ASC
		LIMIT ?`

	ms := toMillis(now)
	rows, err := r.db.query(ctx, query, ms, ms, ms, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due accounts: %w", err)
	}
	defer rows.Close()

	var states []*models.IngestionState
	for rows.Next() {
		state, err := scanIngestionState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// Known returns the subset of usernames that already have a state row
func (r *IngestionStateRepository) Known(ctx context.Context, platform types.Platform, usernames []string) (map[string]bool, error) {
	known := make(map[string]bool, len(usernames))
	if len(usernames) == 0 {
		return known, nil
	}

	args := []interface{}{string(platform)}
	for _, u := range usernames {
		args = append(args, models.NormalizeAccount(u))
	}

	query := fmt.Sprintf(`SELECT username FROM ingestion_state WHERE platform = ? AND username IN (%s)`,
		placeholders(len(usernames)))

	rows, err := r.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up known accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		known[username] = true
	}
	return known, rows.Err()
}
