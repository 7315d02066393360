package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewSessionLimiterValidates(t *testing.T) {
	client := newTestClient(t)

	_, err := NewSessionLimiter(nil, Config{Capacity: 10, Window: time.Minute})
	require.Error(t, err)
	_, err = NewSessionLimiter(client, Config{Window: time.Minute})
	require.Error(t, err)
	_, err = NewSessionLimiter(client, Config{Capacity: 10})
	require.Error(t, err)

	limiter, err := NewSessionLimiter(client, Config{Capacity: 30, Window: time.Minute, KeyPrefix: " "})
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, limiter.expiry)
	require.InDelta(t, 30.0/60000.0, limiter.perMS, 1e-12)
	require.Equal(t, DefaultKeyPrefix+":session-1:removals", limiter.key("session-1:removals"))
	require.Equal(t, DefaultKeyPrefix+":anonymous", limiter.key("  "))
}

func TestAllowNRejectsCostAboveCapacity(t *testing.T) {
	limiter, err := NewSessionLimiter(newTestClient(t), Config{Capacity: 3, Window: time.Minute, KeyPrefix: "test"})
	require.NoError(t, err)

	_, err = limiter.AllowN(context.Background(), "session-1", 4)
	require.ErrorContains(t, err, "exceeds bucket capacity")
}

func TestDecodeScriptReply(t *testing.T) {
	decision, err := decode([]int64{0, 2, 1500})
	require.NoError(t, err)
	require.Equal(t, Decision{Allowed: false, Remaining: 2, RetryAfter: 1500 * time.Millisecond}, decision)

	decision, err = decode([]int64{1, 25, 0})
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	_, err = decode([]int64{1})
	require.Error(t, err)
}
