package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/redis"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
)

// DefaultRedisPrefix namespaces cache entries in a shared Redis.
const DefaultRedisPrefix = "sb:cache:"

type envelope struct {
	Payload  student.Record `json:"payload"`
	StoredAt time.Time      `json:"stored_at"`
}

// RedisStore shares cached records between proxy instances. Entries expire
// in Redis after TTL plus the stale window; capacity is left to the server's
// maxmemory policy, so MaxEntries is ignored.
type RedisStore struct {
	client  redis.Client
	prefix  string
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	onError func()
}

// NewRedisStore creates a RedisStore. onError, when non-nil, is called for
// every Redis failure; failures are otherwise treated as misses.
func NewRedisStore(client redis.Client, prefix string, opts Options, logger *slog.Logger, onError func()) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		onError: onError,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Lookup, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.fail("cache: redis get failed", key, err)
		}
		return Lookup{}, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Payload == nil {
		s.logger.Debug("cache: dropping undecodable entry", "key", key, "error", err)
		_ = s.client.Del(ctx, s.prefix+key).Err()
		return Lookup{}, false
	}

	now := s.now()
	fresh, stale := s.opts.classify(env.StoredAt, now)
	switch {
	case fresh:
		if s.opts.UpdateAgeOnGet {
			env.StoredAt = now
			s.write(ctx, key, env)
		}
		return Lookup{Record: env.Payload, StoredAt: env.StoredAt}, true
	case stale:
		return Lookup{Record: env.Payload, StoredAt: env.StoredAt, Stale: true}, true
	}
	return Lookup{}, false
}

func (s *RedisStore) Put(ctx context.Context, key string, rec student.Record) bool {
	if rec.HasError() {
		return false
	}
	return s.write(ctx, key, envelope{Payload: rec, StoredAt: s.now()})
}

// Len is not tracked for Redis.
func (s *RedisStore) Len() int { return -1 }

func (s *RedisStore) write(ctx context.Context, key string, env envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Debug("cache: marshal error", "key", key, "error", err)
		return false
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.opts.TTL+s.opts.StaleIfError).Err(); err != nil {
		s.fail("cache: redis set failed", key, err)
		return false
	}
	return true
}

func (s *RedisStore) fail(msg, key string, err error) {
	s.logger.Warn(msg, "key", key, "error", err)
	if s.onError != nil {
		s.onError()
	}
}
