package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/chess-ingest/internal/types"
	"golang.org/x/time/rate"
)

// LocalGate serialises requests within one process. Each platform has a
// size-1 semaphore, a limiter enforcing the minimum spacing and a
// cooldown deadline set after 429s.
type LocalGate struct {
	spacing map[types.Platform]time.Duration
	now     func() time.Time

	mu       sync.Mutex
	slots    map[types.Platform]chan struct{}
	limiters map[types.Platform]*rate.Limiter
	cooldown map[types.Platform]time.Time
	counters counterSet
}

// NewLocalGate creates an in-process gate. spacing may be nil.
func NewLocalGate(spacing map[types.Platform]time.Duration) *LocalGate {
	return &LocalGate{
		spacing:  spacing,
		now:      time.Now,
		slots:    make(map[types.Platform]chan struct{}),
		limiters: make(map[types.Platform]*rate.Limiter),
		cooldown: make(map[types.Platform]time.Time),
	}
}

func (g *LocalGate) platformState(platform types.Platform) (chan struct{}, *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.slots[platform]
	if !ok {
		slot = make(chan struct{}, 1)
		g.slots[platform] = slot

		limit := rate.Inf
		if d := g.spacing[platform]; d > 0 {
			limit = rate.Every(d)
		}
		g.limiters[platform] = rate.NewLimiter(limit, 1)
	}
	return slot, g.limiters[platform]
}

func (g *LocalGate) cooldownLeft(platform types.Platform) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown[platform].Sub(g.now())
}

// Acquire blocks until the caller holds the platform's slot
func (g *LocalGate) Acquire(ctx context.Context, platform types.Platform) (func(), error) {
	start := g.now()
	slot, limiter := g.platformState(platform)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrContextCancelled
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-slot })
	}

	for {
		wait := g.cooldownLeft(platform)
		if wait <= 0 {
			break
		}
		if err := sleepCtx(ctx, wait); err != nil {
			release()
			return nil, err
		}
	}

	if err := limiter.Wait(ctx); err != nil {
		release()
		return nil, ErrContextCancelled
	}

	g.counters.get(platform).recordAcquire(g.now().Sub(start))
	return release, nil
}

// Cooldown pushes the platform's next allowed request to now+d
func (g *LocalGate) Cooldown(_ context.Context, platform types.Platform, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	g.mu.Lock()
	until := g.now().Add(d)
	if until.After(g.cooldown[platform]) {
		g.cooldown[platform] = until
	}
	g.mu.Unlock()

	g.counters.get(platform).cooldowns.Add(1)
	return nil
}

// Stats returns wait accounting per platform
func (g *LocalGate) Stats() map[types.Platform]GateStats {
	return g.counters.snapshot()
}
