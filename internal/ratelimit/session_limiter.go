package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "zyncut:ratelimit"

// Decision is the outcome of one spend. Remaining is the whole-token balance
// left in the bucket; RetryAfter is zero unless the spend was refused.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Config struct {
	// Capacity is the bucket size, refilled in full over Window.
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

// spendScript refills the bucket for the time elapsed since it was last
// touched, then takes the requested tokens if the balance covers them.
// Returns {granted, balance, wait_ms}.
var spendScript = redis.NewScript(`
local bucket = KEYS[1]
local size = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local want = tonumber(ARGV[4])
local expire_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", bucket, "level", "at")
local level = tonumber(state[1]) or size
local at = tonumber(state[2]) or now

level = math.min(size, level + math.max(0, now - at) * per_ms)

local granted = 0
local wait_ms = 0
if level >= want then
  level = level - want
  granted = 1
else
  wait_ms = math.ceil((want - level) / per_ms)
end

redis.call("HSET", bucket, "level", level, "at", now)
redis.call("PEXPIRE", bucket, expire_ms)

return {granted, math.floor(level), wait_ms}
`)

// SessionLimiter meters removals per session with a token bucket kept in
// Redis.
type SessionLimiter struct {
	rdb    redis.UniversalClient
	size   int64
	perMS  float64
	expiry time.Duration
	prefix string
	clock  func() time.Time
}

func NewSessionLimiter(rdb redis.UniversalClient, cfg Config) (*SessionLimiter, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("ratelimit: redis client is required")
	case cfg.Capacity <= 0:
		return nil, errors.New("ratelimit: capacity must be positive")
	case cfg.Window <= 0:
		return nil, errors.New("ratelimit: window must be positive")
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &SessionLimiter{
		rdb:    rdb,
		size:   int64(cfg.Capacity),
		perMS:  float64(cfg.Capacity) / float64(max(cfg.Window.Milliseconds(), 1)),
		expiry: 2 * cfg.Window,
		prefix: prefix,
		clock:  time.Now,
	}, nil
}

// AllowN spends cost tokens from the subject's bucket. A cost larger than the
// bucket could never be granted and fails without a Redis round trip.
func (l *SessionLimiter) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = max(cost, 1)
	if int64(cost) > l.size {
		return Decision{}, fmt.Errorf("ratelimit: cost %d exceeds bucket capacity %d", cost, l.size)
	}

	reply, err := spendScript.Run(ctx, l.rdb, []string{l.key(subject)},
		l.size,
		l.perMS,
		l.clock().UTC().UnixMilli(),
		cost,
		l.expiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: spend tokens: %w", err)
	}
	return decode(reply)
}

func (l *SessionLimiter) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.prefix + ":" + subject
}

func decode(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", reply)
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
