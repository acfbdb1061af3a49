package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("snapshot mirrors counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncAllowed()
		m.IncAllowed()
		m.IncLimited()
		m.IncCacheHit()
		m.IncCacheMiss()
		m.IncStaleServed()
		m.IncCacheStore()
		m.IncCacheSkipped()
		m.IncCoalesced()
		m.IncRedisErrors()
		m.IncFallbackUsed()
		m.ObserveUpstream(UpstreamOK, 100*time.Millisecond)
		m.ObserveUpstream(UpstreamTimeout, 10*time.Second)

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Allowed)
		assert.Equal(t, int64(1), snap.Limited)
		assert.Equal(t, int64(1), snap.CacheHits)
		assert.Equal(t, int64(1), snap.CacheMisses)
		assert.Equal(t, int64(1), snap.StaleServed)
		assert.Equal(t, int64(1), snap.CacheStores)
		assert.Equal(t, int64(1), snap.CacheSkipped)
		assert.Equal(t, int64(1), snap.Coalesced)
		assert.Equal(t, int64(1), snap.RedisErrors)
		assert.Equal(t, int64(1), snap.FallbackUsed)
		assert.Equal(t, int64(1), snap.UpstreamOK)
		assert.Equal(t, int64(1), snap.UpstreamErrors)
	})

	t.Run("prometheus collectors", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveUpstream(UpstreamParseError, time.Second)
		m.ObserveUpstream(UpstreamParseError, time.Second)
		m.SetCacheEntries(42)
		m.IncLimited()

		assert.Equal(t, 2.0, testutil.ToFloat64(m.promUpstream.WithLabelValues(UpstreamParseError)))
		assert.Equal(t, 42.0, testutil.ToFloat64(m.promCacheEntries))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.promLimited))
		assert.Equal(t, 1, testutil.CollectAndCount(m.PromUpstreamDuration))
	})

	t.Run("circuit open is counted without a latency sample", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.ObserveUpstream(UpstreamOK, 200*time.Millisecond)
		m.ObserveUpstream(UpstreamCircuitOpen, 0)
		m.ObserveUpstream(UpstreamCircuitOpen, 0)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.promUpstream.WithLabelValues(UpstreamCircuitOpen)))
		assert.Equal(t, int64(2), m.Snapshot().UpstreamErrors)

		var out dto.Metric
		require.NoError(t, m.PromUpstreamDuration.Write(&out))
		assert.Equal(t, uint64(1), out.GetHistogram().GetSampleCount())
		assert.InDelta(t, 0.2, out.GetHistogram().GetSampleSum(), 1e-9)
	})

	t.Run("separate registries do not collide", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewMetrics(prometheus.NewRegistry())
			NewMetrics(prometheus.NewRegistry())
		})
	})
}
