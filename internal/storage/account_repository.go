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

const accountColumns = `id, platform, external_id, username, display_name, name, title, status, league,
	country_code, country_url, avatar, profile_url, twitch_url, bio, followers, joined_at, last_online_at,
	is_streamer, verified, patron, disabled, tos_violation, created_at, updated_at`

// AccountRepository handles canonical account persistence
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                                           models.Account
		name, title, status, league                 sql.NullString
		countryCode, countryURL, avatar, profileURL sql.NullString
		twitchURL, bio                              sql.NullString
		followers, joinedAt, lastOnlineAt           sql.NullInt64
		createdAt, updatedAt                        int64
	)

	err := row.Scan(
		&a.ID, &a.Platform, &a.ExternalID, &a.Username, &a.DisplayName,
		&name, &title, &status, &league,
		&countryCode, &countryURL, &avatar, &profileURL, &twitchURL, &bio,
		&followers, &joinedAt, &lastOnlineAt,
		&a.IsStreamer, &a.Verified, &a.Patron, &a.Disabled, &a.TOSViolation,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Name = stringPtr(name)
	a.Title = stringPtr(title)
	a.Status = stringPtr(status)
	a.League = stringPtr(league)
	a.CountryCode = stringPtr(countryCode)
	a.CountryURL = stringPtr(countryURL)
	a.Avatar = stringPtr(avatar)
	a.ProfileURL = stringPtr(profileURL)
	a.TwitchURL = stringPtr(twitchURL)
	a.Bio = stringPtr(bio)
	a.Followers = intPtr(followers)
	a.JoinedAt = timePtr(joinedAt)
	a.LastOnlineAt = timePtr(lastOnlineAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)

	return &a, nil
}

// Upsert inserts or refreshes an account keyed by (platform, external_id)
// and returns its ID. A renamed account keeps its ID and takes the new
// username.
func (r *AccountRepository) Upsert(ctx context.Context, a *models.Account, now time.Time) (int64, error) {
	query := `
		INSERT INTO accounts (
			platform, external_id, username, display_name, name, title, status, league,
			country_code, country_url, avatar, profile_url, twitch_url, bio, followers,
			joined_at, last_online_at, is_streamer, verified, patron, disabled, tos_violation,
			created_at, updated_at
		)
		VALUES (` + placeholders(24) + `)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			name = excluded.name,
			title = excluded.title,
			status = excluded.status,
			league = excluded.league,
			country_code = excluded.country_code,
			country_url = excluded.country_url,
			avatar = excluded.avatar,
			profile_url = excluded.profile_url,
			twitch_url = excluded.twitch_url,
			bio = excluded.bio,
			followers = excluded.followers,
			joined_at = excluded.joined_at,
			last_online_at = excluded.last_online_at,
			is_streamer = excluded.is_streamer,
			verified = excluded.verified,
			patron = excluded.patron,
			disabled = excluded.disabled,
			tos_violation = excluded.tos_violation,
			updated_at = excluded.updated_at
		RETURNING id
	`

	var id int64
	err := r.db.queryRow(ctx, query,
		string(a.Platform),
		a.ExternalID,
		models.NormalizeAccount(a.Username),
		a.DisplayName,
		nullString(a.Name),
		nullString(a.Title),
		nullString(a.Status),
		nullString(a.League),
		nullString(a.CountryCode),
		nullString(a.CountryURL),
		nullString(a.Avatar),
		nullString(a.ProfileURL),
		nullString(a.TwitchURL),
		nullString(a.Bio),
		nullInt(a.Followers),
		nullMillis(a.JoinedAt),
		nullMillis(a.LastOnlineAt),
		a.IsStreamer,
		a.Verified,
		a.Patron,
		a.Disabled,
		a.TOSViolation,
		toMillis(now),
		toMillis(now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	a.ID = id
	return id, nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	a, err := scanAccount(r.db.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetByUsername retrieves the account currently holding a username. After
// a rename the old name can linger on a stale row, so the most recently
// refreshed row wins.
func (r *AccountRepository) GetByUsername(ctx context.Context, platform types.Platform, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE platform = ? AND username = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`

	a, err := scanAccount(r.db.queryRow(ctx, query, string(platform), models.NormalizeAccount(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}
