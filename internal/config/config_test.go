package config

import (
	"testing"
	"time"

	"github.com/chess-ingest/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CHESS_API_USER_AGENT", "test-agent/1.0")
	t.Setenv("STALENESS_CHESSCOM_STATS", "30m")
	t.Setenv("JOB_MAX_ATTEMPTS", "7")
	t.Setenv("DISCOVER_OPPONENTS", "true")
	t.Setenv("WORKER_IN_SERVER", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "test-agent/1.0", cfg.Platforms.ChessCom.UserAgent)
	assert.Equal(t, 30*time.Minute, cfg.Staleness.ChessCom.Stats)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.True(t, cfg.Worker.DiscoverOpponents)
	assert.True(t, cfg.Worker.InServer)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.chess.com/pub", cfg.Platforms.ChessCom.BaseURL)
	assert.Equal(t, "https://lichess.org/api", cfg.Platforms.Lichess.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Platforms.ChessCom.Timeout)
	assert.Equal(t, 6*time.Hour, cfg.Staleness.ChessCom.Profile)
	assert.Equal(t, 2*time.Hour, cfg.Staleness.ChessCom.Stats)
	assert.Equal(t, 12*time.Hour, cfg.Staleness.ChessCom.Archives)
	assert.Equal(t, time.Minute, cfg.Staleness.Lichess.Profile)
	assert.Zero(t, cfg.Staleness.Lichess.Stats)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 12, cfg.Queue.ArchiveMonthLimit)
	assert.Equal(t, 60*time.Second, cfg.Queue.RateLimitWait)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestPlatformsFor(t *testing.T) {
	cfg := Defaults()

	pc, err := cfg.Platforms.For(types.PlatformLichess)
	require.NoError(t, err)
	assert.Equal(t, cfg.Platforms.Lichess, pc)

	_, err = cfg.Platforms.For("fics")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty user agent", func(c *Config) { c.Platforms.ChessCom.UserAgent = " " }},
		{"zero timeout", func(c *Config) { c.Platforms.Lichess.Timeout = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"zero lease ttl", func(c *Config) { c.Queue.LeaseTTL = 0 }},
		{"backoff max below base", func(c *Config) { c.Queue.BackoffMax = time.Second }},
		{"negative month limit", func(c *Config) { c.Queue.ArchiveMonthLimit = -1 }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"unknown raw store", func(c *Config) { c.RawStore.Kind = "ftp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresURL(t *testing.T) {
	pc := PostgresConfig{Host: "db", Port: "5432", Database: "x", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/x?sslmode=disable", pc.URL())
}
