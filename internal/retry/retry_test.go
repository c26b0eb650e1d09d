package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, 30*time.Second, Backoff(0, base, max))
	assert.Equal(t, 30*time.Second, Backoff(1, base, max))
	assert.Equal(t, 60*time.Second, Backoff(2, base, max))
	assert.Equal(t, 4*time.Minute, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(10, base, max))
	assert.Equal(t, max, Backoff(200, base, max))
}

func TestBackoffMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("backoff never decreases and never exceeds max", prop.ForAll(
		func(attempt int) bool {
			base, max := time.Second, time.Hour
			cur := Backoff(attempt, base, max)
			next := Backoff(attempt+1, base, max)
			return cur <= next && next <= max && cur >= base
		},
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

func TestWithExponentialBackoff(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
			calls++
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}
		err := WithExponentialBackoff(ctx, slow, func(ctx context.Context, attempt int) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
