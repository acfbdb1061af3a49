// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for the SIGMA-BIO proxy.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sigmabio"

// Upstream outcome labels.
const (
	UpstreamOK          = "ok"
	UpstreamError       = "error"
	UpstreamTimeout     = "timeout"
	UpstreamParseError  = "parse_error"
	UpstreamCircuitOpen = "circuit_open"
)

// Metrics holds both Prometheus collectors and atomic counters readable
// without a scrape.
type Metrics struct {
	allowed      atomic.Int64
	limited      atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	staleServed  atomic.Int64
	cacheStores  atomic.Int64
	cacheSkipped atomic.Int64
	upstreamOK   atomic.Int64
	upstreamErrs atomic.Int64
	coalesced    atomic.Int64
	redisErrors  atomic.Int64
	fallbackUsed atomic.Int64

	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter
	promStaleServed  prometheus.Counter
	promCacheStores  prometheus.Counter
	promCacheSkipped prometheus.Counter
	promCacheEntries prometheus.Gauge
	promUpstream     *prometheus.CounterVec
	promCoalesced    prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallbackUsed prometheus.Counter

	PromUpstreamDuration prometheus.Histogram
	PromRequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		promAllowed:      counter("requests_allowed_total", "Total number of requests that passed rate limiting."),
		promLimited:      counter("requests_limited_total", "Total number of requests rejected by rate limiting."),
		promCacheHits:    counter("cache_hits_total", "Total number of fresh response cache hits."),
		promCacheMisses:  counter("cache_misses_total", "Total number of response cache misses."),
		promStaleServed:  counter("cache_stale_served_total", "Total number of stale entries served after an upstream failure."),
		promCacheStores:  counter("cache_stores_total", "Total number of records written to the response cache."),
		promCacheSkipped: counter("cache_skipped_total", "Total number of records not cached because they carry an error marker."),
		promCoalesced:    counter("coalesced_requests_total", "Total number of requests that shared another request's upstream fetch."),
		promRedisErrors:  counter("redis_errors_total", "Total number of Redis errors encountered."),
		promFallbackUsed: counter("fallback_used_total", "Total number of rate-limit checks handled by the in-memory fallback."),
		promCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of entries currently held by the in-memory response cache.",
		}),
		promUpstream: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream fetches by outcome.",
		}, []string{"outcome"}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream fetch latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}

func (m *Metrics) IncAllowed() {
	m.allowed.Add(1)
	m.promAllowed.Inc()
}

func (m *Metrics) IncLimited() {
	m.limited.Add(1)
	m.promLimited.Inc()
}

func (m *Metrics) IncCacheHit() {
	m.cacheHits.Add(1)
	m.promCacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	m.cacheMisses.Add(1)
	m.promCacheMisses.Inc()
}

func (m *Metrics) IncStaleServed() {
	m.staleServed.Add(1)
	m.promStaleServed.Inc()
}

func (m *Metrics) IncCacheStore() {
	m.cacheStores.Add(1)
	m.promCacheStores.Inc()
}

func (m *Metrics) IncCacheSkipped() {
	m.cacheSkipped.Add(1)
	m.promCacheSkipped.Inc()
}

func (m *Metrics) IncCoalesced() {
	m.coalesced.Add(1)
	m.promCoalesced.Inc()
}

func (m *Metrics) IncRedisErrors() {
	m.redisErrors.Add(1)
	m.promRedisErrors.Inc()
}

func (m *Metrics) IncFallbackUsed() {
	m.fallbackUsed.Add(1)
	m.promFallbackUsed.Inc()
}

// SetCacheEntries publishes the current response cache size.
func (m *Metrics) SetCacheEntries(n int) {
	m.promCacheEntries.Set(float64(n))
}

// ObserveUpstream records one upstream fetch with its outcome label. A
// circuit-open outcome never reached the upstream, so it is counted without
// a latency sample.
func (m *Metrics) ObserveUpstream(outcome string, d time.Duration) {
	if outcome == UpstreamOK {
		m.upstreamOK.Add(1)
	} else {
		m.upstreamErrs.Add(1)
	}
	m.promUpstream.WithLabelValues(outcome).Inc()
	if outcome != UpstreamCircuitOpen {
		m.PromUpstreamDuration.Observe(d.Seconds())
	}
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed        int64
	Limited        int64
	CacheHits      int64
	CacheMisses    int64
	StaleServed    int64
	CacheStores    int64
	CacheSkipped   int64
	UpstreamOK     int64
	UpstreamErrors int64
	Coalesced      int64
	RedisErrors    int64
	FallbackUsed   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:        m.allowed.Load(),
		Limited:        m.limited.Load(),
		CacheHits:      m.cacheHits.Load(),
		CacheMisses:    m.cacheMisses.Load(),
		StaleServed:    m.staleServed.Load(),
		CacheStores:    m.cacheStores.Load(),
		CacheSkipped:   m.cacheSkipped.Load(),
		UpstreamOK:     m.upstreamOK.Load(),
		UpstreamErrors: m.upstreamErrs.Load(),
		Coalesced:      m.coalesced.Load(),
		RedisErrors:    m.redisErrors.Load(),
		FallbackUsed:   m.fallbackUsed.Load(),
	}
}
