package models

import (
	"time"

	"github.com/chess-ingest/internal/types"
)

// Game is a finished game, keyed by its canonical URL and never updated
type Game struct {
	URL           string         `json:"url" db:"url"`
	Platform      types.Platform `json:"platform" db:"platform"`
	ExternalID    *string        `json:"externalId,omitempty" db:"external_id"`
	AccountID     int64          `json:"accountId" db:"account_id"`
	ArchiveID     *int64         `json:"archiveId,omitempty" db:"archive_id"`
	PGN           *string        `json:"pgn,omitempty" db:"pgn"`
	TimeControl   *string        `json:"timeControl,omitempty" db:"time_control"`
	TimeClass     *string        `json:"timeClass,omitempty" db:"time_class"`
	Rules         *string        `json:"rules,omitempty" db:"rules"`
	Rated         bool           `json:"rated" db:"rated"`
	StartTime     *time.Time     `json:"startTime,omitempty" db:"start_time"`
	EndTime       *time.Time     `json:"endTime,omitempty" db:"end_time"`
	ECOCode       *string        `json:"ecoCode,omitempty" db:"eco_code"`
	ECOURL        *string        `json:"ecoUrl,omitempty" db:"eco_url"`
	FEN           *string        `json:"fen,omitempty" db:"fen"`
	WhiteUsername string         `json:"whiteUsername" db:"white_username"`
	WhiteRating   *int           `json:"whiteRating,omitempty" db:"white_rating"`
	WhiteResult   *string        `json:"whiteResult,omitempty" db:"white_result"`
	WhiteAccuracy *float64       `json:"whiteAccuracy,omitempty" db:"white_accuracy"`
	BlackUsername string         `json:"blackUsername" db:"black_username"`
	BlackRating   *int           `json:"blackRating,omitempty" db:"black_rating"`
	BlackResult   *string        `json:"blackResult,omitempty" db:"black_result"`
	BlackAccuracy *float64       `json:"blackAccuracy,omitempty" db:"black_accuracy"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
}

// Opponent returns the username on the other side from account
func (g *Game) Opponent(account string) string {
	account = NormalizeAccount(account)
	switch account {
	case NormalizeAccount(g.WhiteUsername):
		return NormalizeAccount(g.BlackUsername)
	case NormalizeAccount(g.BlackUsername):
		return NormalizeAccount(g.WhiteUsername)
	default:
		return ""
	}
}
