package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/normalize"
	"github.com/chess-ingest/internal/types"
)

// PlatformClient knows the endpoints of one chess site and fetches them
type PlatformClient interface {
	// Platform returns the platform identifier
	Platform() types.Platform

	// HasSeparateStats reports whether stats need their own request.
	// When false the profile payload carries the per-mode stats.
	HasSeparateStats() bool

	// HasArchiveIndex reports whether the platform lists the months an
	// account has games in. When false months are enumerated from the
	// account's join date.
	HasArchiveIndex() bool

	// ProfileURL returns the profile endpoint of username
	ProfileURL(username string) string

	// StatsURL returns the stats endpoint, "" when HasSeparateStats is false
	StatsURL(username string) string

	// ArchivesURL returns the archive index endpoint, "" when
	// HasArchiveIndex is false
	ArchivesURL(username string) string

	// MonthURL returns the endpoint listing the games of one month
	MonthURL(username string, year, month int) string

	// Fetch performs a conditional GET of the URL
	Fetch(ctx context.Context, req Request) (*Response, error)

	// Health returns request accounting for the admin API
	Health() *FetcherHealth
}

// Clients holds one client per supported platform
type Clients map[types.Platform]PlatformClient

// NewClients builds the client of every platform. recorder may be nil.
func NewClients(cfg config.PlatformsConfig, recorder FetchRecorder) Clients {
	return Clients{
		types.PlatformChessCom: NewChessComClient(cfg.ChessCom, recorder),
		types.PlatformLichess:  NewLichessClient(cfg.Lichess, recorder),
	}
}

// For returns the client of platform
func (c Clients) For(platform types.Platform) (PlatformClient, error) {
	client, ok := c[platform]
	if !ok {
		return nil, fmt.Errorf("no client for platform %q", platform)
	}
	return client, nil
}

// ChessComClient talks to the chess.com published-data API
type ChessComClient struct {
	*HTTPFetcher
	baseURL string
}

// NewChessComClient creates a chess.com client
func NewChessComClient(cfg config.PlatformConfig, recorder FetchRecorder) *ChessComClient {
	return &ChessComClient{
		HTTPFetcher: NewHTTPFetcher(types.PlatformChessCom, cfg, recorder),
		baseURL:     cfg.BaseURL,
	}
}

// HasSeparateStats is true: stats live at /player/{username}/stats
func (c *ChessComClient) HasSeparateStats() bool { return true }

// HasArchiveIndex is true: months are listed at /games/archives
func (c *ChessComClient) HasArchiveIndex() bool { return true }

// ProfileURL returns /player/{username}
func (c *ChessComClient) ProfileURL(username string) string {
	return fmt.Sprintf("%s/player/%s", c.baseURL, url.PathEscape(models.NormalizeAccount(username)))
}

// StatsURL returns /player/{username}/stats
func (c *ChessComClient) StatsURL(username string) string {
	return c.ProfileURL(username) + "/stats"
}

// ArchivesURL returns /player/{username}/games/archives
func (c *ChessComClient) ArchivesURL(username string) string {
	return c.ProfileURL(username) + "/games/archives"
}

// MonthURL returns /player/{username}/games/{YYYY}/{MM}
func (c *ChessComClient) MonthURL(username string, year, month int) string {
	return fmt.Sprintf("%s/games/%04d/%02d", c.ProfileURL(username), year, month)
}

// LichessClient talks to the lichess.org public API
type LichessClient struct {
	*HTTPFetcher
	baseURL string
}

// NewLichessClient creates a lichess client
func NewLichessClient(cfg config.PlatformConfig, recorder FetchRecorder) *LichessClient {
	return &LichessClient{
		HTTPFetcher: NewHTTPFetcher(types.PlatformLichess, cfg, recorder),
		baseURL:     cfg.BaseURL,
	}
}

// HasSeparateStats is false: /user/{username} carries the perfs
func (c *LichessClient) HasSeparateStats() bool { return false }

// HasArchiveIndex is false
func (c *LichessClient) HasArchiveIndex() bool { return false }

// ProfileURL returns /user/{username}
func (c *LichessClient) ProfileURL(username string) string {
	return fmt.Sprintf("%s/user/%s", c.baseURL, url.PathEscape(models.NormalizeAccount(username)))
}

// StatsURL is empty
func (c *LichessClient) StatsURL(string) string { return "" }

// ArchivesURL is empty
func (c *LichessClient) ArchivesURL(string) string { return "" }

// MonthURL returns the NDJSON export of the finished games played in the month
func (c *LichessClient) MonthURL(username string, year, month int) string {
	since, until := monthBounds(year, month)
	q := url.Values{}
	q.Set("since", fmt.Sprint(since))
	q.Set("until", fmt.Sprint(until))
	q.Set("pgnInJson", "true")
	q.Set("opening", "true")
	q.Set("accuracy", "true")
	q.Set("finished", "true")
	return fmt.Sprintf("%s/games/user/%s?%s", c.baseURL, url.PathEscape(models.NormalizeAccount(username)), q.Encode())
}

// Fetch asks for NDJSON on game exports
func (c *LichessClient) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Accept == "" && isGameExport(req.URL) {
		req.Accept = "application/x-ndjson"
	}
	return c.HTTPFetcher.Fetch(ctx, req)
}

func monthBounds(year, month int) (int64, int64) {
	start, end := normalize.MonthRange(year, month)
	return start.UnixMilli(), end.UnixMilli()
}

func isGameExport(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Path, "/games/user/")
}
