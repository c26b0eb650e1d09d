package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/models"
)

// StatsRepository handles per-mode rating records
type StatsRepository struct {
	db *DB
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// UpsertModeStats writes every mode record of an account, one row per
// (ruleset, time_class)
func (r *StatsRepository) UpsertModeStats(ctx context.Context, accountID int64, stats []models.ModeStats, now time.Time) error {
	query := `
		INSERT INTO mode_stats (
			account_id, ruleset, time_class, rating, rating_date, rd, progress, provisional,
			best_rating, best_date, best_game_url, wins, losses, draws, games, updated_at
		)
		VALUES (` + placeholders(16) + `)
		ON CONFLICT (account_id, ruleset, time_class) DO UPDATE SET
			rating = excluded.rating,
			rating_date = excluded.rating_date,
			rd = excluded.rd,
			progress = excluded.progress,
			provisional = excluded.provisional,
			best_rating = excluded.best_rating,
			best_date = excluded.best_date,
			best_game_url = excluded.best_game_url,
			wins = excluded.wins,
			losses = excluded.losses,
			draws = excluded.draws,
			games = excluded.games,
			updated_at = excluded.updated_at
	`

	for _, s := range stats {
		_, err := r.db.exec(ctx, query,
			accountID,
			s.Ruleset,
			s.TimeClass,
			nullInt(s.Rating),
			nullMillis(s.RatingDate),
			nullInt(s.RD),
			nullInt(s.Progress),
			s.Provisional,
			nullInt(s.BestRating),
			nullMillis(s.BestDate),
			nullString(s.BestGameURL),
			s.Wins,
			s.Losses,
			s.Draws,
			s.Games,
			toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s stats: %w", s.Ruleset, s.TimeClass, err)
		}
	}

	return nil
}

// ListByAccount returns the mode records of an account
func (r *StatsRepository) ListByAccount(ctx context.Context, accountID int64) ([]models.ModeStats, error) {
	query := `
		SELECT account_id, ruleset, time_class, rating, rating_date, rd, progress, provisional,
			best_rating, best_date, best_game_url, wins, losses, draws, games, updated_at
		FROM mode_stats
		WHERE account_id = ?
		ORDER BY ruleset, time_class
	`

	rows, err := r.db.query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mode stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ModeStats
	for rows.Next() {
		var (
			s                          models.ModeStats
			rating, rd, progress, best sql.NullInt64
			ratingDate, bestDate       sql.NullInt64
			bestGameURL                sql.NullString
			updatedAt                  int64
		)
		err := rows.Scan(
			&s.AccountID, &s.Ruleset, &s.TimeClass,
			&rating, &ratingDate, &rd, &progress, &s.Provisional,
			&best, &bestDate, &bestGameURL,
			&s.Wins, &s.Losses, &s.Draws, &s.Games, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mode stats: %w", err)
		}
		s.Rating = intPtr(rating)
		s.RatingDate = timePtr(ratingDate)
		s.RD = intPtr(rd)
		s.Progress = intPtr(progress)
		s.BestRating = intPtr(best)
		s.BestDate = timePtr(bestDate)
		s.BestGameURL = stringPtr(bestGameURL)
		s.UpdatedAt = fromMillis(updatedAt)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
