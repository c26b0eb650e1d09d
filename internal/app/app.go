// Package app wires the ingestion components from configuration. Both the
// ingest CLI and the API server build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/chess-ingest/internal/adapter"
	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/job"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/ratelimit"
	"github.com/chess-ingest/internal/retry"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/worker"
)

// App holds every long-lived component of a process
type App struct {
	Config     *config.Config
	DB         *storage.DB
	Store      *storage.Store
	Redis      *storage.RedisCache   // nil unless REDIS_ENABLED
	ClickHouse *storage.ClickHouseDB // nil unless CLICKHOUSE_ENABLED
	Gate       ratelimit.Gate
	Clients    adapter.Clients
	RawStore   storage.RawStore
	Planner    *service.RefreshPlanner
	Monitor    *service.RunMonitor
	Registry   *job.Registry
	Scheduler  *worker.Scheduler

	retry    *retry.RetryConfig
	workerID string
}

// Option adjusts how an App is built
type Option func(*App)

// WithRetry overrides how connections to backing services are retried
func WithRetry(cfg *retry.RetryConfig) Option {
	return func(a *App) { a.retry = cfg }
}

// WithWorkerID pins the scheduler's worker id
func WithWorkerID(id string) Option {
	return func(a *App) { a.workerID = id }
}

// New connects to the configured stores, migrates the job store and builds
// the worker pipeline. Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, retry: retry.DefaultRetryConfig()}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// connect opens the job store and the optional Redis and ClickHouse
// backends, retrying each with exponential backoff
func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	logger := logging.FromContext(ctx)

	err := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
		db, err := storage.Open(&cfg.Database)
		if err != nil {
			return err
		}
		a.DB = db
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	if err := storage.RunMigrations(a.DB, cfg.Database.Postgres.URL()); err != nil {
		return err
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Job store ready")

	if cfg.Database.Redis.Enabled {
		err := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
			cache, err := storage.NewRedisCache(&cfg.Database.Redis)
			if err != nil {
				return err
			}
			a.Redis = cache
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("Redis connected, platform gate is shared")
	}

	if cfg.Database.ClickHouse.Enabled {
		err := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
			ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
			if err != nil {
				return err
			}
			a.ClickHouse = ch
			return nil
		})
		if err != nil {
			return err
		}
		if err := storage.RunClickHouseMigrations(ctx, a.ClickHouse); err != nil {
			return err
		}
		logger.Info("ClickHouse connected, fetch log is mirrored")
	}
	return nil
}

// build assembles the gate, clients, handlers and scheduler
func (a *App) build() error {
	cfg := a.Config
	a.Store = storage.NewStore(a.DB, cfg.Queue)

	spacing := ratelimit.Spacing(cfg.Platforms)
	if a.Redis != nil {
		gate, err := ratelimit.NewRedisGate(&ratelimit.RedisGateConfig{
			Redis:   a.Redis.Client(),
			Spacing: spacing,
			LockTTL: 2 * maxTimeout(cfg.Platforms),
		})
		if err != nil {
			return err
		}
		a.Gate = gate
	} else {
		a.Gate = ratelimit.NewLocalGate(spacing)
	}

	recorders := adapter.Recorders{a.Store.FetchLog}
	if a.ClickHouse != nil {
		recorders = append(recorders, storage.NewClickHouseFetchLog(a.ClickHouse))
	}
	a.Clients = adapter.NewClients(cfg.Platforms, recorders)

	rawStore, err := storage.NewRawStore(cfg.RawStore)
	if err != nil {
		return err
	}
	a.RawStore = rawStore

	policy := service.NewStalenessPolicy(cfg.Staleness)
	a.Planner = service.NewRefreshPlanner(a.Store, policy)
	a.Monitor = service.NewRunMonitor()
	a.Registry = job.NewRegistry(&job.Deps{
		Store:             a.Store,
		Clients:           a.Clients,
		Gate:              a.Gate,
		Policy:            policy,
		Queue:             cfg.Queue,
		DiscoverOpponents: cfg.Worker.DiscoverOpponents,
	})

	a.Scheduler, err = worker.NewScheduler(&worker.SchedulerConfig{
		Store:    a.Store,
		Registry: a.Registry,
		Planner:  a.Planner,
		RawStore: a.RawStore,
		Monitor:  a.Monitor,
		Worker:   cfg.Worker,
		LeaseTTL: cfg.Queue.LeaseTTL,
		WorkerID: a.workerID,
	})
	return err
}

// Close releases every connection opened by New
func (a *App) Close() {
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close ClickHouse")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// maxTimeout is the longest upstream request timeout; a gate lock must
// outlive it
func maxTimeout(cfg config.PlatformsConfig) time.Duration {
	longest := cfg.ChessCom.Timeout
	if cfg.Lichess.Timeout > longest {
		longest = cfg.Lichess.Timeout
	}
	if longest <= 0 {
		return ratelimit.DefaultLockTTL
	}
	return longest
}
