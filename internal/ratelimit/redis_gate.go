package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the cross-process gate.
const (
	KeyPrefixLock     = "gate:lock:"
	KeyPrefixCooldown = "gate:cooldown:"
	KeyPrefixSpacing  = "gate:spacing:"
)

// Default Redis gate configuration values.
const (
	DefaultLockTTL      = 2 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('DEL', KEYS[1])
		if tonumber(ARGV[2]) > 0 then
			redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
		end
		return 1
	end
	return 0
`)

// cooldownScript extends the cooldown key, never shortens it
var cooldownScript = redis.NewScript(`
	local current = redis.call('PTTL', KEYS[1])
	if current < tonumber(ARGV[1]) then
		redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
		return 1
	end
	return 0
`)

// RedisGate serialises requests across worker processes through a Redis
// lock per platform
type RedisGate struct {
	redis        redis.Cmdable
	spacing      map[types.Platform]time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	counters     counterSet
}

// RedisGateConfig holds configuration for the Redis gate.
type RedisGateConfig struct {
	// Redis is the shared client. Required.
	Redis redis.Cmdable

	// Spacing is the minimum gap between requests per platform.
	Spacing map[types.Platform]time.Duration

	// LockTTL bounds how long a crashed holder blocks the platform.
	// It must exceed the request timeout. Default: 2m.
	LockTTL time.Duration

	// PollInterval is how often a waiter retries. Default: 50ms.
	PollInterval time.Duration
}

// NewRedisGate creates a cross-process gate
func NewRedisGate(cfg *RedisGateConfig) (*RedisGate, error) {
	if cfg == nil || cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	g := &RedisGate{
		redis:        cfg.Redis,
		spacing:      cfg.Spacing,
		lockTTL:      cfg.LockTTL,
		pollInterval: cfg.PollInterval,
	}
	if g.lockTTL <= 0 {
		g.lockTTL = DefaultLockTTL
	}
	if g.pollInterval <= 0 {
		g.pollInterval = DefaultPollInterval
	}
	return g, nil
}

// Acquire blocks until the caller holds the platform lock and any
// cooldown or spacing has elapsed
func (g *RedisGate) Acquire(ctx context.Context, platform types.Platform) (func(), error) {
	start := time.Now()
	token := uuid.NewString()
	lockKey := KeyPrefixLock + string(platform)

	for {
		ok, err := g.redis.SetNX(ctx, lockKey, token, g.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrContextCancelled
			}
			return nil, fmt.Errorf("failed to acquire platform lock: %w", err)
		}
		if ok {
			break
		}
		if err := sleepCtx(ctx, g.pollInterval); err != nil {
			return nil, err
		}
	}

	release := g.releaser(platform, lockKey, token)

	if err := g.waitKey(ctx, KeyPrefixCooldown+string(platform)); err != nil {
		release()
		return nil, err
	}
	if err := g.waitKey(ctx, KeyPrefixSpacing+string(platform)); err != nil {
		release()
		return nil, err
	}

	g.counters.get(platform).recordAcquire(time.Since(start))
	return release, nil
}

// waitKey polls until key no longer exists
func (g *RedisGate) waitKey(ctx context.Context, key string) error {
	for {
		ttl, err := g.redis.PTTL(ctx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ErrContextCancelled
			}
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		// -2 is a missing key, -1 a key without expiry
		if ttl <= 0 {
			return nil
		}

		wait := g.pollInterval
		if ttl < wait {
			wait = ttl
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *RedisGate) releaser(platform types.Platform, lockKey, token string) func() {
	spacingKey := KeyPrefixSpacing + string(platform)
	spacing := g.spacing[platform]
	var once sync.Once

	return func() {
		once.Do(func() { g.release(platform, lockKey, spacingKey, token, spacing) })
	}
}

// release runs on a fresh context so a cancelled caller still frees the lock
func (g *RedisGate) release(platform types.Platform, lockKey, spacingKey, token string, spacing time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := releaseScript.Run(ctx, g.redis, []string{lockKey, spacingKey}, token, spacing.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.WithField("platform", platform).WithError(err).Warn("Failed to release platform lock")
	}
}

// Cooldown makes every process wait at least d before the next request
func (g *RedisGate) Cooldown(ctx context.Context, platform types.Platform, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	key := KeyPrefixCooldown + string(platform)
	if err := cooldownScript.Run(ctx, g.redis, []string{key}, d.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	g.counters.get(platform).cooldowns.Add(1)
	return nil
}

// Stats returns wait accounting of this process per platform
func (g *RedisGate) Stats() map[types.Platform]GateStats {
	return g.counters.snapshot()
}
