package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/types"
)

// LichessGameURL is the canonical URL of a lichess game
const LichessGameURL = "https://lichess.org/"

// lichessSpeeds are the perfs played under standard rules
var lichessSpeeds = map[string]bool{
	"ultraBullet":    true,
	"bullet":         true,
	"blitz":          true,
	"rapid":          true,
	"classical":      true,
	"correspondence": true,
}

type lichessPerf struct {
	Games  int  `json:"games"`
	Rating *int `json:"rating"`
	RD     *int `json:"rd"`
	Prog   *int `json:"prog"`
	Prov   bool `json:"prov"`
}

type lichessUser struct {
	ID           string                 `json:"id"`
	Username     string                 `json:"username"`
	Title        string                 `json:"title"`
	URL          string                 `json:"url"`
	CreatedAt    int64                  `json:"createdAt"`
	SeenAt       int64                  `json:"seenAt"`
	Patron       bool                   `json:"patron"`
	Verified     bool                   `json:"verified"`
	Disabled     bool                   `json:"disabled"`
	TOSViolation bool                   `json:"tosViolation"`
	Perfs        map[string]lichessPerf `json:"perfs"`
	Profile      *struct {
		Bio       string `json:"bio"`
		Flag      string `json:"flag"`
		Country   string `json:"country"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		RealName  string `json:"realName"`
	} `json:"profile"`
	Count *struct {
		Win  int `json:"win"`
		Loss int `json:"loss"`
		Draw int `json:"draw"`
	} `json:"count"`
}

// LichessUser maps a /user/{username} payload onto an account and its
// per-mode stats. Only perfs that carry a rating become stats.
func LichessUser(body []byte) (*models.Account, []models.ModeStats, error) {
	var u lichessUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, nil, apperrors.NewValidationError("lichess user is not valid JSON", err)
	}
	if u.ID == "" {
		return nil, nil, apperrors.NewValidationError("lichess user is missing id", nil)
	}

	display := u.Username
	if display == "" {
		display = u.ID
	}

	account := &models.Account{
		Platform:     types.PlatformLichess,
		ExternalID:   strings.ToLower(u.ID),
		Username:     models.NormalizeAccount(u.ID),
		DisplayName:  display,
		Title:        optString(u.Title),
		ProfileURL:   optString(u.URL),
		JoinedAt:     unixMillis(u.CreatedAt),
		LastOnlineAt: unixMillis(u.SeenAt),
		Patron:       u.Patron,
		Verified:     u.Verified,
		Disabled:     u.Disabled,
		TOSViolation: u.TOSViolation,
	}
	if u.Profile != nil {
		account.Bio = optString(u.Profile.Bio)
		country := u.Profile.Flag
		if country == "" {
			country = u.Profile.Country
		}
		if country != "" {
			account.CountryCode = optString(strings.ToUpper(country))
		}
		name := u.Profile.RealName
		if name == "" {
			name = strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName)
		}
		account.Name = optString(name)
	}

	keys := make([]string, 0, len(u.Perfs))
	for key, perf := range u.Perfs {
		if perf.Rating != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	stats := make([]models.ModeStats, 0, len(keys))
	for _, key := range keys {
		perf := u.Perfs[key]
		s := models.ModeStats{
			Rating:      perf.Rating,
			RD:          perf.RD,
			Progress:    perf.Prog,
			Provisional: perf.Prov,
			Games:       perf.Games,
		}
		switch {
		case lichessSpeeds[key]:
			s.Ruleset, s.TimeClass = "chess", strings.ToLower(key)
		case key == "puzzle":
			s.Ruleset, s.TimeClass = "puzzle", "all"
		default:
			s.Ruleset, s.TimeClass = strings.ToLower(key), "all"
		}
		stats = append(stats, s)
	}

	return account, stats, nil
}

type lichessPlayer struct {
	User *struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"user"`
	AILevel  int  `json:"aiLevel"`
	Rating   *int `json:"rating"`
	Analysis *struct {
		Accuracy *float64 `json:"accuracy"`
	} `json:"analysis"`
}

func (p lichessPlayer) username() string {
	switch {
	case p.User != nil && p.User.Name != "":
		return p.User.Name
	case p.User != nil:
		return p.User.ID
	case p.AILevel > 0:
		return fmt.Sprintf("stockfish-level-%d", p.AILevel)
	default:
		return ""
	}
}

func (p lichessPlayer) accuracy() *float64 {
	if p.Analysis == nil {
		return nil
	}
	return p.Analysis.Accuracy
}

type lichessGame struct {
	ID          string `json:"id"`
	Rated       bool   `json:"rated"`
	Variant     string `json:"variant"`
	Speed       string `json:"speed"`
	CreatedAt   int64  `json:"createdAt"`
	LastMoveAt  int64  `json:"lastMoveAt"`
	Status      string `json:"status"`
	Winner      string `json:"winner"`
	PGN         string `json:"pgn"`
	InitialFen  string `json:"initialFen"`
	LastFen     string `json:"lastFen"`
	DaysPerTurn int    `json:"daysPerTurn"`
	Clock       *struct {
		Initial   int `json:"initial"`
		Increment int `json:"increment"`
	} `json:"clock"`
	Opening *struct {
		ECO string `json:"eco"`
	} `json:"opening"`
	Players struct {
		White lichessPlayer `json:"white"`
		Black lichessPlayer `json:"black"`
	} `json:"players"`
}

// lichessUnfinished are statuses of games that never produced a result
var lichessUnfinished = map[string]bool{
	"created": true,
	"started": true,
	"aborted": true,
	"noStart": true,
}

// LichessGames maps an NDJSON game export onto games owned by accountID.
// Games that are not finished are dropped.
func LichessGames(body []byte, accountID int64, archiveID *int64) ([]*models.Game, error) {
	var games []*models.Game

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var g lichessGame
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("lichess game export line %d is not valid JSON", line), err)
		}
		if g.ID == "" || lichessUnfinished[g.Status] {
			continue
		}
		games = append(games, lichessToGame(&g, accountID, archiveID))
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewValidationError("lichess game export could not be read", err)
	}
	return games, nil
}

func lichessToGame(g *lichessGame, accountID int64, archiveID *int64) *models.Game {
	whiteResult, blackResult := lichessResults(g.Winner, g.Status)

	game := &models.Game{
		URL:           LichessGameURL + g.ID,
		Platform:      types.PlatformLichess,
		ExternalID:    optString(g.ID),
		AccountID:     accountID,
		ArchiveID:     archiveID,
		PGN:           optString(g.PGN),
		TimeClass:     optString(strings.ToLower(g.Speed)),
		Rules:         optString(lichessRules(g.Variant)),
		Rated:         g.Rated,
		StartTime:     unixMillis(g.CreatedAt),
		EndTime:       unixMillis(g.LastMoveAt),
		FEN:           optString(g.LastFen),
		WhiteUsername: g.Players.White.username(),
		WhiteRating:   g.Players.White.Rating,
		WhiteResult:   optString(whiteResult),
		WhiteAccuracy: g.Players.White.accuracy(),
		BlackUsername: g.Players.Black.username(),
		BlackRating:   g.Players.Black.Rating,
		BlackResult:   optString(blackResult),
		BlackAccuracy: g.Players.Black.accuracy(),
	}

	switch {
	case g.Clock != nil:
		game.TimeControl = optString(fmt.Sprintf("%d+%d", g.Clock.Initial, g.Clock.Increment))
	case g.DaysPerTurn > 0:
		game.TimeControl = optString(fmt.Sprintf("1/%d", g.DaysPerTurn*86400))
	}
	if g.Opening != nil {
		game.ECOCode = optString(g.Opening.ECO)
	}
	return game
}

func lichessRules(variant string) string {
	switch variant {
	case "", "standard", "fromPosition":
		return "chess"
	default:
		return strings.ToLower(variant)
	}
}

// lichessResults derives per-side results in the chess.com vocabulary
func lichessResults(winner, status string) (white, black string) {
	switch winner {
	case "white":
		return "win", lossResult(status)
	case "black":
		return lossResult(status), "win"
	}

	draw := "agreed"
	switch status {
	case "stalemate":
		draw = "stalemate"
	case "outoftime":
		draw = "timevsinsufficient"
	}
	return draw, draw
}

func lossResult(status string) string {
	switch status {
	case "mate":
		return "checkmated"
	case "resign":
		return "resigned"
	case "outoftime":
		return "timeout"
	case "timeout":
		return "abandoned"
	default:
		return "lose"
	}
}
