package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientParsesURL(t *testing.T) {
	client, err := NewClient(Config{URL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	opts := client.Options()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.GreaterOrEqual(t, opts.PoolSize, 16, "pool must hold at least 16 connections")
	assert.True(t, opts.PoolFIFO)
}

func TestNewClientBadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "://not-a-url"})
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer func() { _ = client.Close() }()

	require.NoError(t, Handshake(context.Background(), client, nil))
	assert.True(t, Healthy(context.Background(), client))

	s.Close()
	assert.False(t, Healthy(context.Background(), client))
}

func TestHandshakeExhaustsBudget(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Handshake(ctx, client, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}
