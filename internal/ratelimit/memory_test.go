package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryLimiter(t *testing.T, maxRequests int64, window time.Duration) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewMemoryLimiter(maxRequests, window)
	l.now = clock.Now
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits max requests then rejects", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 10, time.Minute)

		for i := 1; i <= 10; i++ {
			d, err := l.Allow(ctx, "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, int64(i), d.Count)
			assert.Equal(t, int64(10-i), d.Remaining)
		}

		d, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(10), d.Count)
		assert.Zero(t, d.Remaining)
		assert.Equal(t, int64(10), d.Limit)
	})

	t.Run("rejection leaves the record unchanged", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 1, time.Minute)

		first, _ := l.Allow(ctx, "a")
		for range 3 {
			d, _ := l.Allow(ctx, "a")
			assert.False(t, d.Allowed)
			assert.Equal(t, int64(1), d.Count)
			assert.Equal(t, first.ResetAt, d.ResetAt)
		}
	})

	t.Run("window resets only after the reset time has passed", func(t *testing.T) {
		l, clock := newTestMemoryLimiter(t, 2, time.Minute)

		first, _ := l.Allow(ctx, "a")
		_, _ = l.Allow(ctx, "a")

		clock.Advance(time.Minute)
		d, _ := l.Allow(ctx, "a")
		assert.False(t, d.Allowed, "now == resetAt is still inside the window")

		clock.Advance(time.Millisecond)
		d, _ = l.Allow(ctx, "a")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count)
		assert.True(t, d.ResetAt.After(first.ResetAt))
	})

	t.Run("identities are independent", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 1, time.Minute)

		d, _ := l.Allow(ctx, "a")
		assert.True(t, d.Allowed)
		d, _ = l.Allow(ctx, "a")
		assert.False(t, d.Allowed)
		d, _ = l.Allow(ctx, "b")
		assert.True(t, d.Allowed)
	})

	t.Run("reconfigure applies to the next check", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 1, time.Minute)

		_, _ = l.Allow(ctx, "a")
		d, _ := l.Allow(ctx, "a")
		assert.False(t, d.Allowed)

		l.Reconfigure(3, time.Minute)
		d, _ = l.Allow(ctx, "a")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(3), d.Limit)
	})

	t.Run("zero values fall back to defaults", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 0, 0)
		d, _ := l.Allow(ctx, "a")
		assert.Equal(t, int64(DefaultMaxRequests), d.Limit)
	})

	t.Run("concurrent callers never exceed the quota", func(t *testing.T) {
		l, _ := newTestMemoryLimiter(t, 10, time.Minute)
		_, _ = l.Allow(ctx, "hot") // create the record up front

		var mu sync.Mutex
		admitted := 1
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, _ := l.Allow(ctx, "hot")
				if d.Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 10, admitted)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		l := NewMemoryLimiter(1, time.Second)
		assert.NoError(t, l.Close())
		assert.NoError(t, l.Close())
	})
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	cases := []struct {
		resetAt time.Time
		want    int64
	}{
		{now.Add(30 * time.Second), 30},
		{now.Add(1500 * time.Millisecond), 2},
		{now, 1},
		{now.Add(-time.Second), 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.want), func(t *testing.T) {
			assert.Equal(t, tc.want, Decision{ResetAt: tc.resetAt}.RetryAfter(now))
		})
	}
}
