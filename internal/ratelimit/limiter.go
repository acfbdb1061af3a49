// Package ratelimit implements the per-client fixed-window quota that gates
// student lookups. Records live either in a bounded in-memory store or in
// Redis behind an atomic Lua script; a Resilient wrapper applies the
// configured failure policy when Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// Defaults applied when a quota is configured with zero values.
const (
	DefaultMaxRequests = 10
	DefaultWindow      = 60 * time.Second
	DefaultKeyPrefix   = "sb:rl:"
)

// ErrLimiterClosed is returned by Allow after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Count     int64 // requests admitted in the current window
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter admits or rejects requests per client identity.
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
	// Reconfigure swaps the quota used by subsequent checks. Existing
	// windows keep their reset time.
	Reconfigure(maxRequests int64, window time.Duration)
	Close() error
}

type quota struct {
	max    int64
	window time.Duration
}

func newQuota(maxRequests int64, window time.Duration) *quota {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &quota{max: maxRequests, window: window}
}

func (q *quota) decide(allowed bool, count int64, resetAt time.Time) Decision {
	remaining := q.max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Count: count, Limit: q.max, Remaining: remaining, ResetAt: resetAt}
}

// fixedWindowLua checks and records one request atomically.
//
// Keys: KEYS[1] = record key.
// Args: ARGV[1] = max requests, ARGV[2] = now (ms), ARGV[3] = reset time for a
// new window (ms), ARGV[4] = record TTL (ms).
// Returns {allowed (0|1), count, reset_at_ms}.
//
// A missing record, or one whose window has passed (now > reset_at), starts
// a new window with count 1. Rejections leave the record untouched.
// Timestamps are passed and stored as strings so Lua never has to format a
// large number.
const fixedWindowLua = `
local key = KEYS[1]

local vals     = redis.call('hmget', key, 'count', 'reset_at')
local count    = tonumber(vals[1])
local reset_at = tonumber(vals[2])

if count == nil or reset_at == nil or tonumber(ARGV[2]) > reset_at then
  redis.call('hset', key, 'count', 1, 'reset_at', ARGV[3])
  redis.call('pexpire', key, ARGV[4])
  return {1, 1, ARGV[3]}
end

if count < tonumber(ARGV[1]) then
  count = redis.call('hincrby', key, 'count', 1)
  return {1, count, vals[2]}
end

return {0, count, vals[2]}
`

var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisLimiter shares fixed-window records between proxy instances through
// Redis. The client is owned by the caller and is not closed by Close.
type RedisLimiter struct {
	client    redis.Client
	logger    *slog.Logger
	keyPrefix string
	quota     atomic.Pointer[quota]
	now       func() time.Time
	closed    atomic.Bool
}

// NewRedisLimiter creates a Redis-backed limiter. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisLimiter(client redis.Client, maxRequests int64, window time.Duration, prefix string, logger *slog.Logger) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	l := &RedisLimiter{client: client, logger: logger, keyPrefix: prefix, now: time.Now}
	l.quota.Store(newQuota(maxRequests, window))
	return l
}

// Allow runs the fixed-window script for identity. EVALSHA is tried first
// and EVAL is used when the script is not loaded yet.
func (l *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	if l.closed.Load() {
		return Decision{}, ErrLimiterClosed
	}
	q := l.quota.Load()
	keys := []string{l.keyPrefix + identity}
	now := l.now().UnixMilli()
	args := []any{q.max, now, now + q.window.Milliseconds(), 2 * q.window.Milliseconds()}

	cmd := l.client.EvalSha(ctx, fixedWindowScript.Hash(), keys, args...)
	if redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = l.client.Eval(ctx, fixedWindowLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return Decision{}, err
	}

	arr, err := cmd.Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reading script result: %w", err)
	}
	return parseScriptResult(q, arr)
}

func (l *RedisLimiter) Reconfigure(maxRequests int64, window time.Duration) {
	l.quota.Store(newQuota(maxRequests, window))
}

// Close marks the limiter closed. The shared Redis client stays open.
func (l *RedisLimiter) Close() error {
	l.closed.Store(true)
	return nil
}

func parseScriptResult(q *quota, arr []any) (Decision, error) {
	if len(arr) != 3 {
		return Decision{}, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}
	vals := make([]int64, len(arr))
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("parsing element %d: %w", i, err)
		}
		vals[i] = n
	}
	return q.decide(vals[0] == 1, vals[1], time.UnixMilli(vals[2])), nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
