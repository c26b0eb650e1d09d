package storage

import (
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chess-ingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	cache, err := NewRedisCache(&config.RedisConfig{Host: host, Port: port, MaxConnections: 4})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, cache.Close())
	}()

	ctx := testContext(t)
	require.NoError(t, cache.Ping(ctx))
	require.NoError(t, cache.Client().Set(ctx, "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	mr.Close()

	_, err = NewRedisCache(&config.RedisConfig{Host: host, Port: port, MaxConnections: 1})
	assert.Error(t, err)
}
