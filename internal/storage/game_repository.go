package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/models"
)

const gameColumns = `url, platform, external_id, account_id, archive_id, pgn, time_control, time_class,
	rules, rated, start_time, end_time, eco_code, eco_url, fen, white_username, white_rating,
	white_result, white_accuracy, black_username, black_rating, black_result, black_accuracy, created_at`

// GameRepository stores finished games. Games are immutable once written.
type GameRepository struct {
	db *DB
}

// NewGameRepository creates a new game repository
func NewGameRepository(db *DB) *GameRepository {
	return &GameRepository{db: db}
}

// InsertGames inserts games that are not stored yet and returns how many
// were new. Existing URLs are left untouched.
func (r *GameRepository) InsertGames(ctx context.Context, games []*models.Game, now time.Time) (int, error) {
	query := `INSERT INTO games (` + gameColumns + `) VALUES (` + placeholders(24) + `)
		ON CONFLICT (url) DO NOTHING`

	inserted := 0
	for _, g := range games {
		result, err := r.db.exec(ctx, query,
			g.URL,
			string(g.Platform),
			nullString(g.ExternalID),
			g.AccountID,
			nullInt64(g.ArchiveID),
			nullString(g.PGN),
			nullString(g.TimeControl),
			nullString(g.TimeClass),
			nullString(g.Rules),
			g.Rated,
			nullMillis(g.StartTime),
			nullMillis(g.EndTime),
			nullString(g.ECOCode),
			nullString(g.ECOURL),
			nullString(g.FEN),
			g.WhiteUsername,
			nullInt(g.WhiteRating),
			nullString(g.WhiteResult),
			nullFloat(g.WhiteAccuracy),
			g.BlackUsername,
			nullInt(g.BlackRating),
			nullString(g.BlackResult),
			nullFloat(g.BlackAccuracy),
			toMillis(now),
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert game %s: %w", g.URL, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read affected rows: %w", err)
		}
		inserted += int(n)
	}

	return inserted, nil
}

// CountByArchive returns how many stored games were first seen in an archive
func (r *GameRepository) CountByArchive(ctx context.Context, archiveID int64) (int, error) {
	var n int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM games WHERE archive_id = ?`, archiveID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count games: %w", err)
	}
	return n, nil
}

// Get retrieves a game by its canonical URL
func (r *GameRepository) Get(ctx context.Context, url string) (*models.Game, error) {
	var (
		g                                       models.Game
		externalID, pgn, timeControl, timeClass sql.NullString
		rules, ecoCode, ecoURL, fen             sql.NullString
		whiteResult, blackResult                sql.NullString
		archiveID, startTime, endTime           sql.NullInt64
		whiteRating, blackRating                sql.NullInt64
		whiteAccuracy, blackAccuracy            sql.NullFloat64
		createdAt                               int64
	)

	err := r.db.queryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE url = ?`, url).Scan(
		&g.URL, &g.Platform, &externalID, &g.AccountID, &archiveID, &pgn, &timeControl, &timeClass,
		&rules, &g.Rated, &startTime, &endTime, &ecoCode, &ecoURL, &fen, &g.WhiteUsername, &whiteRating,
		&whiteResult, &whiteAccuracy, &g.BlackUsername, &blackRating, &blackResult, &blackAccuracy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get game: %w", err)
	}

	g.ExternalID = stringPtr(externalID)
	g.ArchiveID = int64Ptr(archiveID)
	g.PGN = stringPtr(pgn)
	g.TimeControl = stringPtr(timeControl)
	g.TimeClass = stringPtr(timeClass)
	g.Rules = stringPtr(rules)
	g.StartTime = timePtr(startTime)
	g.EndTime = timePtr(endTime)
	g.ECOCode = stringPtr(ecoCode)
	g.ECOURL = stringPtr(ecoURL)
	g.FEN = stringPtr(fen)
	g.WhiteRating = intPtr(whiteRating)
	g.WhiteResult = stringPtr(whiteResult)
	g.WhiteAccuracy = floatPtr(whiteAccuracy)
	g.BlackRating = intPtr(blackRating)
	g.BlackResult = stringPtr(blackResult)
	g.BlackAccuracy = floatPtr(blackAccuracy)
	g.CreatedAt = fromMillis(createdAt)

	return &g, nil
}
