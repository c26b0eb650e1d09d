package models

import (
	"time"

	"github.com/chess-ingest/internal/types"
)

// Account is a canonical player account, keyed by the platform's stable id
type Account struct {
	ID           int64          `json:"id" db:"id"`
	Platform     types.Platform `json:"platform" db:"platform"`
	ExternalID   string         `json:"externalId" db:"external_id"`
	Username     string         `json:"username" db:"username"`
	DisplayName  string         `json:"displayName" db:"display_name"`
	Name         *string        `json:"name,omitempty" db:"name"`
	Title        *string        `json:"title,omitempty" db:"title"`
	Status       *string        `json:"status,omitempty" db:"status"`
	League       *string        `json:"league,omitempty" db:"league"`
	CountryCode  *string        `json:"countryCode,omitempty" db:"country_code"`
	CountryURL   *string        `json:"countryUrl,omitempty" db:"country_url"`
	Avatar       *string        `json:"avatar,omitempty" db:"avatar"`
	ProfileURL   *string        `json:"profileUrl,omitempty" db:"profile_url"`
	TwitchURL    *string        `json:"twitchUrl,omitempty" db:"twitch_url"`
	Bio          *string        `json:"bio,omitempty" db:"bio"`
	Followers    *int           `json:"followers,omitempty" db:"followers"`
	JoinedAt     *time.Time     `json:"joinedAt,omitempty" db:"joined_at"`
	LastOnlineAt *time.Time     `json:"lastOnlineAt,omitempty" db:"last_online_at"`
	IsStreamer   bool           `json:"isStreamer" db:"is_streamer"`
	Verified     bool           `json:"verified" db:"verified"`
	Patron       bool           `json:"patron" db:"patron"`
	Disabled     bool           `json:"disabled" db:"disabled"`
	TOSViolation bool           `json:"tosViolation" db:"tos_violation"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}

// ModeStats is the rating record of an account in one ruleset and time class
type ModeStats struct {
	AccountID   int64      `json:"accountId" db:"account_id"`
	Ruleset     string     `json:"ruleset" db:"ruleset"`
	TimeClass   string     `json:"timeClass" db:"time_class"`
	Rating      *int       `json:"rating,omitempty" db:"rating"`
	RatingDate  *time.Time `json:"ratingDate,omitempty" db:"rating_date"`
	RD          *int       `json:"rd,omitempty" db:"rd"`
	Progress    *int       `json:"progress,omitempty" db:"progress"`
	Provisional bool       `json:"provisional" db:"provisional"`
	BestRating  *int       `json:"bestRating,omitempty" db:"best_rating"`
	BestDate    *time.Time `json:"bestDate,omitempty" db:"best_date"`
	BestGameURL *string    `json:"bestGameUrl,omitempty" db:"best_game_url"`
	Wins        int        `json:"wins" db:"wins"`
	Losses      int        `json:"losses" db:"losses"`
	Draws       int        `json:"draws" db:"draws"`
	Games       int        `json:"games" db:"games"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}
