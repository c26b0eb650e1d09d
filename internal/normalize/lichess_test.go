package normalize

import (
	"testing"
	"time"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lichessUserBody = `{
	"id": "drnykterstein",
	"username": "DrNykterstein",
	"title": "GM",
	"url": "https://lichess.org/@/DrNykterstein",
	"createdAt": 1525972153000,
	"seenAt": 1700000000000,
	"patron": true,
	"verified": false,
	"tosViolation": false,
	"profile": {"bio": "hi", "flag": "no", "firstName": "Magnus", "lastName": "Carlsen"},
	"perfs": {
		"bullet": {"games": 3000, "rating": 3200, "rd": 50, "prog": 12},
		"blitz": {"games": 2000, "rating": 3100, "rd": 45, "prog": -3, "prov": false},
		"chess960": {"games": 10, "rating": 2500, "rd": 150, "prog": 0, "prov": true},
		"puzzle": {"games": 5, "rating": 2000, "rd": 200, "prog": 0},
		"storm": {"runs": 4, "score": 50}
	}
}`

func TestLichessUser(t *testing.T) {
	account, stats, err := LichessUser([]byte(lichessUserBody))
	require.NoError(t, err)

	assert.Equal(t, types.PlatformLichess, account.Platform)
	assert.Equal(t, "drnykterstein", account.ExternalID)
	assert.Equal(t, "drnykterstein", account.Username)
	assert.Equal(t, "DrNykterstein", account.DisplayName)
	require.NotNil(t, account.CountryCode)
	assert.Equal(t, "NO", *account.CountryCode)
	require.NotNil(t, account.Name)
	assert.Equal(t, "Magnus Carlsen", *account.Name)
	require.NotNil(t, account.JoinedAt)
	assert.Equal(t, time.UnixMilli(1525972153000).UTC(), *account.JoinedAt)
	assert.True(t, account.Patron)

	require.Len(t, stats, 4)
	byKey := map[string]int{}
	for i, s := range stats {
		byKey[s.Ruleset+"/"+s.TimeClass] = i
	}
	require.Contains(t, byKey, "chess/bullet")
	require.Contains(t, byKey, "chess/blitz")
	require.Contains(t, byKey, "chess960/all")
	require.Contains(t, byKey, "puzzle/all")

	variant := stats[byKey["chess960/all"]]
	assert.True(t, variant.Provisional)
	assert.Equal(t, 10, variant.Games)

	blitz := stats[byKey["chess/blitz"]]
	require.NotNil(t, blitz.Progress)
	assert.Equal(t, -3, *blitz.Progress)
}

func TestLichessUserDisabled(t *testing.T) {
	account, stats, err := LichessUser([]byte(`{"id": "gone", "username": "Gone", "disabled": true}`))
	require.NoError(t, err)
	assert.True(t, account.Disabled)
	assert.Empty(t, stats)
}

func TestLichessUserInvalid(t *testing.T) {
	_, _, err := LichessUser([]byte(`{"username": "x"}`))
	assert.Equal(t, types.ErrorValidation, apperrors.KindOf(err))

	_, _, err = LichessUser([]byte(`not json`))
	assert.Equal(t, types.ErrorValidation, apperrors.KindOf(err))
}

func TestLichessGames(t *testing.T) {
	body := `{"id":"q7ZvsdUF","rated":true,"variant":"standard","speed":"blitz","createdAt":1700000000000,"lastMoveAt":1700000300000,"status":"mate","winner":"white","players":{"white":{"user":{"name":"Alice","id":"alice"},"rating":2000,"analysis":{"accuracy":90}},"black":{"user":{"name":"Bob","id":"bob"},"rating":1900}},"opening":{"eco":"C20","name":"King's Pawn"},"pgn":"1. e4 e5 *","clock":{"initial":300,"increment":3,"totalTime":420}}
{"id":"running1","rated":true,"variant":"standard","speed":"rapid","status":"started","players":{"white":{"user":{"name":"Alice","id":"alice"}},"black":{"user":{"name":"Carol","id":"carol"}}}}

{"id":"draw1","rated":false,"variant":"chess960","speed":"correspondence","createdAt":1700000000000,"lastMoveAt":1700500000000,"status":"stalemate","daysPerTurn":2,"players":{"white":{"user":{"name":"Alice","id":"alice"}},"black":{"aiLevel":3}}}
{"id":"abort1","status":"aborted","players":{"white":{},"black":{}}}
`
	games, err := LichessGames([]byte(body), 7, nil)
	require.NoError(t, err)
	require.Len(t, games, 2)

	won := games[0]
	assert.Equal(t, "https://lichess.org/q7ZvsdUF", won.URL)
	assert.Equal(t, int64(7), won.AccountID)
	require.NotNil(t, won.WhiteResult)
	assert.Equal(t, "win", *won.WhiteResult)
	require.NotNil(t, won.BlackResult)
	assert.Equal(t, "checkmated", *won.BlackResult)
	require.NotNil(t, won.TimeControl)
	assert.Equal(t, "300+3", *won.TimeControl)
	require.NotNil(t, won.ECOCode)
	assert.Equal(t, "C20", *won.ECOCode)
	require.NotNil(t, won.WhiteAccuracy)
	assert.Nil(t, won.BlackAccuracy)
	require.NotNil(t, won.Rules)
	assert.Equal(t, "chess", *won.Rules)

	drawn := games[1]
	require.NotNil(t, drawn.WhiteResult)
	assert.Equal(t, "stalemate", *drawn.WhiteResult)
	assert.Equal(t, "stockfish-level-3", drawn.BlackUsername)
	require.NotNil(t, drawn.TimeControl)
	assert.Equal(t, "1/172800", *drawn.TimeControl)
	require.NotNil(t, drawn.Rules)
	assert.Equal(t, "chess960", *drawn.Rules)
}

func TestLichessGamesEmptyAndInvalid(t *testing.T) {
	games, err := LichessGames(nil, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, games)

	_, err = LichessGames([]byte("{\"id\":\"a\",\"status\":\"mate\"}\n{broken"), 1, nil)
	assert.Equal(t, types.ErrorValidation, apperrors.KindOf(err))
}

func TestLichessResults(t *testing.T) {
	tests := []struct {
		winner, status string
		white, black   string
	}{
		{"white", "resign", "win", "resigned"},
		{"black", "outoftime", "timeout", "win"},
		{"black", "timeout", "abandoned", "win"},
		{"white", "variantEnd", "win", "lose"},
		{"", "draw", "agreed", "agreed"},
		{"", "outoftime", "timevsinsufficient", "timevsinsufficient"},
	}
	for _, tt := range tests {
		white, black := lichessResults(tt.winner, tt.status)
		assert.Equal(t, tt.white, white, "%s/%s", tt.winner, tt.status)
		assert.Equal(t, tt.black, black, "%s/%s", tt.winner, tt.status)
	}
}
