// Package ratelimit serialises upstream requests per platform. Upstream
// sites forbid parallel requests from one client, so every fetch holds the
// platform's gate for its whole duration.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/types"
)

// ErrContextCancelled is returned when the context ends while waiting for the gate
var ErrContextCancelled = errors.New("context cancelled while waiting for platform gate")

// Gate hands out the single in-flight slot of each platform
type Gate interface {
	// Acquire blocks until the caller holds the platform's slot. The
	// returned release must be called exactly once.
	Acquire(ctx context.Context, platform types.Platform) (release func(), err error)

	// Cooldown makes every later Acquire on platform wait at least d.
	// Called after an upstream 429.
	Cooldown(ctx context.Context, platform types.Platform, d time.Duration) error

	// Stats returns wait accounting per platform
	Stats() map[types.Platform]GateStats
}

// GateStats is the wait accounting of one platform gate
type GateStats struct {
	Acquired  int64         `json:"acquired"`
	Waited    int64         `json:"waited"`
	WaitTime  time.Duration `json:"waitTime"`
	Cooldowns int64         `json:"cooldowns"`
}

// Spacing returns the minimum spacing between requests per platform
func Spacing(cfg config.PlatformsConfig) map[types.Platform]time.Duration {
	return map[types.Platform]time.Duration{
		types.PlatformChessCom: cfg.ChessCom.MinInterval,
		types.PlatformLichess:  cfg.Lichess.MinInterval,
	}
}

// gateCounters accumulates GateStats without locking
type gateCounters struct {
	acquired  atomic.Int64
	waited    atomic.Int64
	waitNanos atomic.Int64
	cooldowns atomic.Int64
}

func (c *gateCounters) recordAcquire(waited time.Duration) {
	c.acquired.Add(1)
	if waited > time.Millisecond {
		c.waited.Add(1)
		c.waitNanos.Add(int64(waited))
	}
}

func (c *gateCounters) snapshot() GateStats {
	return GateStats{
		Acquired:  c.acquired.Load(),
		Waited:    c.waited.Load(),
		WaitTime:  time.Duration(c.waitNanos.Load()),
		Cooldowns: c.cooldowns.Load(),
	}
}

type counterSet struct {
	mu       sync.Mutex
	counters map[types.Platform]*gateCounters
}

func (s *counterSet) get(platform types.Platform) *gateCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[types.Platform]*gateCounters)
	}
	c, ok := s.counters[platform]
	if !ok {
		c = &gateCounters{}
		s.counters[platform] = c
	}
	return c
}

func (s *counterSet) snapshot() map[types.Platform]GateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Platform]GateStats, len(s.counters))
	for p, c := range s.counters {
		out[p] = c.snapshot()
	}
	return out
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrContextCancelled
	case <-timer.C:
		return nil
	}
}
