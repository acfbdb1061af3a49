// Package api serves the student lookup endpoint. A request is rate limited
// per client, answered from the response cache when a fresh entry exists,
// and otherwise fetched from the spreadsheet API. Concurrent misses for the
// same student share one upstream fetch.
package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/cache"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves a record from the upstream. *upstream.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, q student.Query) (student.Record, error)
}

// Result is what a lookup produced. Cached is set for records served from
// the cache; Stale additionally marks an expired entry served because the
// refetch failed.
type Result struct {
	Record student.Record
	Cached bool
	Stale  bool
}

// Service resolves student lookups through the cache and the upstream.
type Service struct {
	store    cache.Store // nil when caching is disabled
	fetcher  Fetcher
	coalesce bool
	group    singleflight.Group
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService returns a Service. store may be nil to disable caching.
func NewService(store cache.Store, fetcher Fetcher, coalesce bool, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		fetcher:  fetcher,
		coalesce: coalesce,
		metrics:  metrics,
		logger:   logger,
	}
}

// Lookup returns the record for q.
func (s *Service) Lookup(ctx context.Context, q student.Query) (Result, error) {
	key := cache.Key(q)

	stale, hit := s.lookupCache(ctx, key)
	if hit != nil {
		return *hit, nil
	}

	rec, err := s.fetch(ctx, key, q)
	if err == nil {
		return Result{Record: rec}, nil
	}
	if stale != nil && !errors.Is(err, context.Canceled) {
		s.metrics.IncStaleServed()
		s.logger.Warn("serving stale entry after upstream failure",
			"key", key, "stored_at", stale.StoredAt, "error", err)
		return Result{Record: stale.Record, Cached: true, Stale: true}, nil
	}
	return Result{}, err
}

// lookupCache returns a fresh hit, or the stale entry kept as a fallback
// for a failed refetch.
func (s *Service) lookupCache(ctx context.Context, key string) (stale *cache.Lookup, hit *Result) {
	if s.store == nil {
		return nil, nil
	}
	ctx, span := observability.Tracer().Start(ctx, "sigmabio.cache")
	defer span.End()

	l, ok := s.store.Get(ctx, key)
	switch {
	case ok && !l.Stale:
		s.metrics.IncCacheHit()
		span.SetAttributes(attribute.String("sigmabio.cache.result", "hit"))
		return nil, &Result{Record: l.Record, Cached: true}
	case ok:
		s.metrics.IncCacheMiss()
		span.SetAttributes(attribute.String("sigmabio.cache.result", "stale"))
		return &l, nil
	}
	s.metrics.IncCacheMiss()
	span.SetAttributes(attribute.String("sigmabio.cache.result", "miss"))
	return nil, nil
}

func (s *Service) fetch(ctx context.Context, key string, q student.Query) (student.Record, error) {
	if !s.coalesce {
		return s.fetchAndStore(ctx, key, q)
	}

	// The leader fetches on a context detached from its caller so one
	// client hanging up does not fail everyone waiting on the same key.
	// The upstream client's own timeout still bounds the call.
	leader := false
	ch := s.group.DoChan(key, func() (any, error) {
		leader = true
		return s.fetchAndStore(context.WithoutCancel(ctx), key, q)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if !leader {
			s.metrics.IncCoalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(student.Record), nil
	}
}

func (s *Service) fetchAndStore(ctx context.Context, key string, q student.Query) (student.Record, error) {
	rec, err := s.fetcher.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return rec, nil
	}
	if rec.HasError() {
		s.metrics.IncCacheSkipped()
		s.logger.Debug("not caching upstream error payload", "key", key)
		return rec, nil
	}
	if s.store.Put(ctx, key, rec) {
		s.metrics.IncCacheStore()
	}
	if n := s.store.Len(); n >= 0 {
		s.metrics.SetCacheEntries(n)
	}
	return rec, nil
}
