package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

type chessComProfile struct {
	PlayerID           int64  `json:"player_id"`
	URL                string `json:"url"`
	Username           string `json:"username"`
	Name               string `json:"name"`
	Title              string `json:"title"`
	Status             string `json:"status"`
	League             string `json:"league"`
	Country            string `json:"country"`
	Avatar             string `json:"avatar"`
	TwitchURL          string `json:"twitch_url"`
	Followers          *int   `json:"followers"`
	Joined             int64  `json:"joined"`
	LastOnline         int64  `json:"last_online"`
	IsStreamer         bool   `json:"is_streamer"`
	Verified           bool   `json:"verified"`
	StreamingPlatforms []struct {
		Type    string `json:"type"`
		Channel string `json:"channel_url"`
		URL     string `json:"url"`
	} `json:"streaming_platforms"`
}

// ChessComProfile maps a /player/{username} payload onto an account
func ChessComProfile(body []byte) (*models.Account, error) {
	var p chessComProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperrors.NewValidationError("chess.com profile is not valid JSON", err)
	}
	if p.PlayerID == 0 || p.Username == "" {
		return nil, apperrors.NewValidationError("chess.com profile is missing player_id or username", nil)
	}

	display := lastSegment(p.URL)
	if display == "" {
		display = p.Username
	}

	account := &models.Account{
		Platform:     types.PlatformChessCom,
		ExternalID:   strconv.FormatInt(p.PlayerID, 10),
		Username:     models.NormalizeAccount(p.Username),
		DisplayName:  display,
		Name:         optString(p.Name),
		Title:        optString(p.Title),
		Status:       optString(p.Status),
		League:       optString(p.League),
		CountryURL:   optString(p.Country),
		Avatar:       optString(p.Avatar),
		ProfileURL:   optString(p.URL),
		Followers:    p.Followers,
		JoinedAt:     unixSeconds(p.Joined),
		LastOnlineAt: unixSeconds(p.LastOnline),
		IsStreamer:   p.IsStreamer,
		Verified:     p.Verified,
	}
	if p.Country != "" {
		account.CountryCode = optString(strings.ToUpper(lastSegment(p.Country)))
	}

	twitch := p.TwitchURL
	for _, sp := range p.StreamingPlatforms {
		if !strings.EqualFold(sp.Type, "twitch") {
			continue
		}
		if sp.Channel != "" {
			twitch = sp.Channel
		} else if sp.URL != "" {
			twitch = sp.URL
		}
		break
	}
	account.TwitchURL = optString(twitch)

	return account, nil
}

type chessComModeStats struct {
	Last *struct {
		Rating int   `json:"rating"`
		Date   int64 `json:"date"`
		RD     *int  `json:"rd"`
	} `json:"last"`
	Best *struct {
		Rating int    `json:"rating"`
		Date   int64  `json:"date"`
		Game   string `json:"game"`
	} `json:"best"`
	Record *struct {
		Win  int `json:"win"`
		Loss int `json:"loss"`
		Draw int `json:"draw"`
	} `json:"record"`
}

// ChessComStats maps a /player/{username}/stats payload onto per-mode
// stats. Only chess_* and chess960_* keys are rating modes.
func ChessComStats(body []byte) ([]models.ModeStats, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.NewValidationError("chess.com stats is not valid JSON", err)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		if strings.HasPrefix(key, "chess") && strings.Contains(key, "_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	stats := make([]models.ModeStats, 0, len(keys))
	for _, key := range keys {
		var mode chessComModeStats
		if err := json.Unmarshal(raw[key], &mode); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("chess.com stats entry %s is malformed", key), err)
		}

		ruleset := "chess"
		if strings.HasPrefix(key, "chess960") {
			ruleset = "chess960"
		}
		s := models.ModeStats{
			Ruleset:   ruleset,
			TimeClass: key[strings.LastIndex(key, "_")+1:],
		}
		if mode.Last != nil {
			s.Rating = optInt(mode.Last.Rating)
			s.RatingDate = unixSeconds(mode.Last.Date)
			s.RD = mode.Last.RD
		}
		if mode.Best != nil {
			s.BestRating = optInt(mode.Best.Rating)
			s.BestDate = unixSeconds(mode.Best.Date)
			s.BestGameURL = optString(mode.Best.Game)
		}
		if mode.Record != nil {
			s.Wins = mode.Record.Win
			s.Losses = mode.Record.Loss
			s.Draws = mode.Record.Draw
			s.Games = s.Wins + s.Losses + s.Draws
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// ChessComArchives maps a /player/{username}/games/archives payload onto
// months, keeping the most recent limit. URLs whose last two segments are
// not a year and month are returned in skipped.
func ChessComArchives(body []byte, limit int) (months []models.ArchiveMonth, skipped []string, err error) {
	var payload struct {
		Archives *[]string `json:"archives"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, apperrors.NewValidationError("chess.com archive index is not valid JSON", err)
	}
	if payload.Archives == nil {
		return nil, nil, apperrors.NewValidationError("chess.com archive index has no archives field", nil)
	}

	for _, archiveURL := range *payload.Archives {
		month, ok := parseArchiveURL(archiveURL)
		if !ok {
			skipped = append(skipped, archiveURL)
			continue
		}
		months = append(months, month)
	}
	return LimitMonths(months, limit), skipped, nil
}

func parseArchiveURL(archiveURL string) (models.ArchiveMonth, bool) {
	parts := strings.Split(strings.TrimRight(archiveURL, "/"), "/")
	if len(parts) < 2 {
		return models.ArchiveMonth{}, false
	}
	year, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || year < 1970 {
		return models.ArchiveMonth{}, false
	}
	month, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || month < 1 || month > 12 {
		return models.ArchiveMonth{}, false
	}
	return models.ArchiveMonth{Year: year, Month: month, URL: archiveURL}, true
}

type chessComPlayer struct {
	Username string `json:"username"`
	Rating   *int   `json:"rating"`
	Result   string `json:"result"`
}

type chessComGame struct {
	URL         string         `json:"url"`
	UUID        string         `json:"uuid"`
	PGN         string         `json:"pgn"`
	TimeControl string         `json:"time_control"`
	TimeClass   string         `json:"time_class"`
	Rules       string         `json:"rules"`
	Rated       bool           `json:"rated"`
	StartTime   int64          `json:"start_time"`
	EndTime     int64          `json:"end_time"`
	ECO         string         `json:"eco"`
	FEN         string         `json:"fen"`
	White       chessComPlayer `json:"white"`
	Black       chessComPlayer `json:"black"`
	Accuracies  *struct {
		White *float64 `json:"white"`
		Black *float64 `json:"black"`
	} `json:"accuracies"`
}

// ChessComGames maps a monthly archive payload onto games owned by
// accountID. Games without a url are dropped.
func ChessComGames(body []byte, accountID int64, archiveID *int64) ([]*models.Game, error) {
	var payload struct {
		Games *[]chessComGame `json:"games"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.NewValidationError("chess.com archive is not valid JSON", err)
	}
	if payload.Games == nil {
		return nil, apperrors.NewValidationError("chess.com archive has no games field", nil)
	}

	games := make([]*models.Game, 0, len(*payload.Games))
	for _, g := range *payload.Games {
		if g.URL == "" {
			continue
		}

		game := &models.Game{
			URL:           g.URL,
			Platform:      types.PlatformChessCom,
			ExternalID:    optString(g.UUID),
			AccountID:     accountID,
			ArchiveID:     archiveID,
			PGN:           optString(g.PGN),
			TimeControl:   optString(g.TimeControl),
			TimeClass:     optString(g.TimeClass),
			Rules:         optString(g.Rules),
			Rated:         g.Rated,
			StartTime:     unixSeconds(g.StartTime),
			EndTime:       unixSeconds(g.EndTime),
			ECOURL:        optString(g.ECO),
			FEN:           optString(g.FEN),
			WhiteUsername: g.White.Username,
			WhiteRating:   g.White.Rating,
			WhiteResult:   optString(g.White.Result),
			BlackUsername: g.Black.Username,
			BlackRating:   g.Black.Rating,
			BlackResult:   optString(g.Black.Result),
		}
		if g.ECO != "" {
			game.ECOCode = optString(lastSegment(g.ECO))
		}
		if g.Accuracies != nil {
			game.WhiteAccuracy = g.Accuracies.White
			game.BlackAccuracy = g.Accuracies.Black
		}
		games = append(games, game)
	}
	return games, nil
}
