// Package config provides configuration management for the ingestion pipeline.
// It loads configuration once from .env files and environment variables;
// the resulting Config is treated as immutable and threaded through every
// component.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chess-ingest/internal/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Platforms PlatformsConfig
	Staleness StalenessConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	RawStore  RawStoreConfig
	Logging   LoggingConfig
}

// ServerConfig holds admin API configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
}

// DatabaseConfig holds store configuration
type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	Postgres   PostgresConfig
	SQLite     SQLiteConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// ClickHouseConfig holds ClickHouse configuration. The fetch log is only
// mirrored to ClickHouse when Enabled.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration. When Enabled the per-platform
// gate is shared across worker processes.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// PlatformsConfig holds per-platform client settings
type PlatformsConfig struct {
	ChessCom PlatformConfig
	Lichess  PlatformConfig
}

// PlatformConfig configures one upstream client
type PlatformConfig struct {
	BaseURL            string
	UserAgent          string
	Timeout            time.Duration
	MinInterval        time.Duration // minimum spacing between requests
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// For returns the client settings of a platform
func (c PlatformsConfig) For(p types.Platform) (PlatformConfig, error) {
	switch p {
	case types.PlatformChessCom:
		return c.ChessCom, nil
	case types.PlatformLichess:
		return c.Lichess, nil
	default:
		return PlatformConfig{}, fmt.Errorf("unknown platform %q", p)
	}
}

// StalenessConfig holds refresh thresholds per platform and job type
type StalenessConfig struct {
	ChessCom PlatformStaleness
	Lichess  PlatformStaleness
}

// PlatformStaleness holds refresh thresholds of one platform. A zero
// threshold means the job type does not exist on the platform.
type PlatformStaleness struct {
	Profile  time.Duration
	Stats    time.Duration
	Archives time.Duration
}

// QueueConfig holds job store policy
type QueueConfig struct {
	MaxAttempts       int
	LeaseTTL          time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RateLimitWait     time.Duration // used when a 429 carries no Retry-After
	ArchiveMonthLimit int           // most recent months to ingest, 0 = all
	ArchiveMaxRetries int           // times a failed month is reopened
}

// WorkerConfig holds scheduler settings
type WorkerConfig struct {
	PollInterval      time.Duration
	MaxIdleBackoff    time.Duration
	Concurrency       int
	ReapInterval      time.Duration
	PlanInterval      time.Duration
	DiscoverOpponents bool
	InServer          bool // run the scheduler inside the API server
}

// RawStoreConfig selects where rejected payloads are kept
type RawStoreConfig struct {
	Kind      string // none, fs or s3
	Dir       string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// envKeys maps every setting to its environment variable and default
var envKeys = map[string]interface{}{
	"SERVER_PORT":             "8080",
	"SERVER_HOST":             "0.0.0.0",
	"SERVER_READ_TIMEOUT":     "15s",
	"SERVER_WRITE_TIMEOUT":    "15s",
	"SERVER_SHUTDOWN_TIMEOUT": "30s",
	"SERVER_REQUESTS_PER_SEC": 20,

	"DB_DRIVER":                "sqlite",
	"POSTGRES_HOST":            "localhost",
	"POSTGRES_PORT":            "5432",
	"POSTGRES_DB":              "chess_ingest",
	"POSTGRES_USER":            "ingest",
	"POSTGRES_PASSWORD":        "",
	"POSTGRES_SSLMODE":         "disable",
	"POSTGRES_MAX_CONNECTIONS": 20,
	"SQLITE_PATH":              "./data/ingest.db",
	"SQLITE_BUSY_TIMEOUT":      "5s",

	"CLICKHOUSE_ENABLED":  false,
	"CLICKHOUSE_HOST":     "localhost",
	"CLICKHOUSE_PORT":     "9000",
	"CLICKHOUSE_DB":       "chess_ingest",
	"CLICKHOUSE_USER":     "default",
	"CLICKHOUSE_PASSWORD": "",

	"REDIS_ENABLED":         false,
	"REDIS_HOST":            "localhost",
	"REDIS_PORT":            "6379",
	"REDIS_PASSWORD":        "",
	"REDIS_DB":              0,
	"REDIS_MAX_CONNECTIONS": 10,

	"CHESS_API_BASE_URL":           "https://api.chess.com/pub",
	"CHESS_API_USER_AGENT":         "chess-ingest/1.0 (contact: ops@example.com)",
	"CHESS_API_TIMEOUT":            "15s",
	"CHESS_API_MIN_INTERVAL":       "0s",
	"CHESS_API_BREAKER_FAILURES":   5,
	"CHESS_API_BREAKER_TIMEOUT":    "1m",
	"LICHESS_API_BASE_URL":         "https://lichess.org/api",
	"LICHESS_API_USER_AGENT":       "chess-ingest/1.0 (contact: ops@example.com)",
	"LICHESS_API_TIMEOUT":          "15s",
	"LICHESS_API_MIN_INTERVAL":     "1s",
	"LICHESS_API_BREAKER_FAILURES": 5,
	"LICHESS_API_BREAKER_TIMEOUT":  "1m",

	"STALENESS_CHESSCOM_PROFILE":  "6h",
	"STALENESS_CHESSCOM_STATS":    "2h",
	"STALENESS_CHESSCOM_ARCHIVES": "12h",
	"STALENESS_LICHESS_PROFILE":   "1m",
	"STALENESS_LICHESS_ARCHIVES":  "12h",

	"JOB_MAX_ATTEMPTS":        5,
	"JOB_LEASE_TTL":           "10m",
	"JOB_BACKOFF_BASE":        "30s",
	"JOB_BACKOFF_MAX":         "1h",
	"RATE_LIMIT_DEFAULT_WAIT": "60s",
	"ARCHIVE_MONTH_LIMIT":     12,
	"ARCHIVE_MAX_RETRIES":     3,

	"INGESTION_POLL_INTERVAL": "5s",
	"WORKER_MAX_IDLE_BACKOFF": "1m",
	"WORKER_CONCURRENCY":      1,
	"WORKER_IN_SERVER":        false,
	"REAP_INTERVAL":           "1m",
	"PLAN_INTERVAL":           "5m",
	"DISCOVER_OPPONENTS":      false,

	"RAW_STORE_KIND":       "none",
	"RAW_STORE_DIR":        "./data/raw",
	"RAW_STORE_ENDPOINT":   "",
	"RAW_STORE_REGION":     "us-east-1",
	"RAW_STORE_BUCKET":     "chess-ingest-raw",
	"RAW_STORE_ACCESS_KEY": "",
	"RAW_STORE_SECRET_KEY": "",
	"RAW_STORE_USE_SSL":    true,
	"RAW_STORE_PREFIX":     "rejected/",

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := newViper()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := build(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration with every default and no environment
// overrides
func Defaults() *Config {
	return build(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range envKeys {
		v.SetDefault(key, value)
	}
	return v
}

func build(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("SERVER_PORT"),
			Host:            v.GetString("SERVER_HOST"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
			RequestsPerSec:  v.GetInt("SERVER_REQUESTS_PER_SEC"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DB_DRIVER")),
			Postgres: PostgresConfig{
				Host:           v.GetString("POSTGRES_HOST"),
				Port:           v.GetString("POSTGRES_PORT"),
				Database:       v.GetString("POSTGRES_DB"),
				User:           v.GetString("POSTGRES_USER"),
				Password:       v.GetString("POSTGRES_PASSWORD"),
				SSLMode:        v.GetString("POSTGRES_SSLMODE"),
				MaxConnections: v.GetInt("POSTGRES_MAX_CONNECTIONS"),
			},
			SQLite: SQLiteConfig{
				Path:        v.GetString("SQLITE_PATH"),
				BusyTimeout: v.GetDuration("SQLITE_BUSY_TIMEOUT"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  v.GetBool("CLICKHOUSE_ENABLED"),
				Host:     v.GetString("CLICKHOUSE_HOST"),
				Port:     v.GetString("CLICKHOUSE_PORT"),
				Database: v.GetString("CLICKHOUSE_DB"),
				User:     v.GetString("CLICKHOUSE_USER"),
				Password: v.GetString("CLICKHOUSE_PASSWORD"),
			},
			Redis: RedisConfig{
				Enabled:        v.GetBool("REDIS_ENABLED"),
				Host:           v.GetString("REDIS_HOST"),
				Port:           v.GetString("REDIS_PORT"),
				Password:       v.GetString("REDIS_PASSWORD"),
				DB:             v.GetInt("REDIS_DB"),
				MaxConnections: v.GetInt("REDIS_MAX_CONNECTIONS"),
			},
		},
		Platforms: PlatformsConfig{
			ChessCom: platformFrom(v, "CHESS_API"),
			Lichess:  platformFrom(v, "LICHESS_API"),
		},
		Staleness: StalenessConfig{
			ChessCom: PlatformStaleness{
				Profile:  v.GetDuration("STALENESS_CHESSCOM_PROFILE"),
				Stats:    v.GetDuration("STALENESS_CHESSCOM_STATS"),
				Archives: v.GetDuration("STALENESS_CHESSCOM_ARCHIVES"),
			},
			Lichess: PlatformStaleness{
				Profile:  v.GetDuration("STALENESS_LICHESS_PROFILE"),
				Archives: v.GetDuration("STALENESS_LICHESS_ARCHIVES"),
			},
		},
		Queue: QueueConfig{
			MaxAttempts:       v.GetInt("JOB_MAX_ATTEMPTS"),
			LeaseTTL:          v.GetDuration("JOB_LEASE_TTL"),
			BackoffBase:       v.GetDuration("JOB_BACKOFF_BASE"),
			BackoffMax:        v.GetDuration("JOB_BACKOFF_MAX"),
			RateLimitWait:     v.GetDuration("RATE_LIMIT_DEFAULT_WAIT"),
			ArchiveMonthLimit: v.GetInt("ARCHIVE_MONTH_LIMIT"),
			ArchiveMaxRetries: v.GetInt("ARCHIVE_MAX_RETRIES"),
		},
		Worker: WorkerConfig{
			PollInterval:      v.GetDuration("INGESTION_POLL_INTERVAL"),
			MaxIdleBackoff:    v.GetDuration("WORKER_MAX_IDLE_BACKOFF"),
			Concurrency:       v.GetInt("WORKER_CONCURRENCY"),
			ReapInterval:      v.GetDuration("REAP_INTERVAL"),
			PlanInterval:      v.GetDuration("PLAN_INTERVAL"),
			DiscoverOpponents: v.GetBool("DISCOVER_OPPONENTS"),
			InServer:          v.GetBool("WORKER_IN_SERVER"),
		},
		RawStore: RawStoreConfig{
			Kind:      strings.ToLower(v.GetString("RAW_STORE_KIND")),
			Dir:       v.GetString("RAW_STORE_DIR"),
			Endpoint:  v.GetString("RAW_STORE_ENDPOINT"),
			Region:    v.GetString("RAW_STORE_REGION"),
			Bucket:    v.GetString("RAW_STORE_BUCKET"),
			AccessKey: v.GetString("RAW_STORE_ACCESS_KEY"),
			SecretKey: v.GetString("RAW_STORE_SECRET_KEY"),
			UseSSL:    v.GetBool("RAW_STORE_USE_SSL"),
			Prefix:    v.GetString("RAW_STORE_PREFIX"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

func platformFrom(v *viper.Viper, prefix string) PlatformConfig {
	return PlatformConfig{
		BaseURL:            strings.TrimSuffix(v.GetString(prefix+"_BASE_URL"), "/"),
		UserAgent:          v.GetString(prefix + "_USER_AGENT"),
		Timeout:            v.GetDuration(prefix + "_TIMEOUT"),
		MinInterval:        v.GetDuration(prefix + "_MIN_INTERVAL"),
		BreakerMaxFailures: v.GetInt(prefix + "_BREAKER_FAILURES"),
		BreakerTimeout:     v.GetDuration(prefix + "_BREAKER_TIMEOUT"),
	}
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}

	for _, p := range types.Platforms {
		pc, err := c.Platforms.For(p)
		if err != nil {
			return err
		}
		if pc.BaseURL == "" {
			return fmt.Errorf("%s: base URL is required", p)
		}
		if strings.TrimSpace(pc.UserAgent) == "" {
			return fmt.Errorf("%s: an identifying User-Agent is required", p)
		}
		if pc.Timeout <= 0 {
			return fmt.Errorf("%s: timeout must be positive", p)
		}
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("JOB_LEASE_TTL must be positive")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("JOB_BACKOFF_BASE must be positive and not exceed JOB_BACKOFF_MAX")
	}
	if c.Queue.ArchiveMonthLimit < 0 {
		return fmt.Errorf("ARCHIVE_MONTH_LIMIT must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("INGESTION_POLL_INTERVAL must be positive")
	}

	switch c.RawStore.Kind {
	case "none", "fs", "s3":
	default:
		return fmt.Errorf("RAW_STORE_KIND must be none, fs or s3, got %q", c.RawStore.Kind)
	}

	return nil
}
