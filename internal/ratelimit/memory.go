package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for in-memory records (32 MiB).
const defaultMaxCost = 32 << 20

var recordCost = int64(unsafe.Sizeof(record{})) + 64

type record struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// MemoryLimiter keeps fixed-window records in process memory. Counts are
// per instance, so running several proxies multiplies the effective quota.
//
// Records expire after two windows without traffic, which bounds memory for
// clients that never come back. ristretto may drop a brand-new record under
// heavy contention; that client's next request simply starts a fresh window.
type MemoryLimiter struct {
	records *ristretto.Cache[string, *record]
	create  sync.Mutex
	quota   atomic.Pointer[quota]
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(maxRequests int64, window time.Duration) *MemoryLimiter {
	records, err := ristretto.NewCache(&ristretto.Config[string, *record]{
		NumCounters: (defaultMaxCost / recordCost) * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	l := &MemoryLimiter{records: records, now: time.Now}
	l.quota.Store(newQuota(maxRequests, window))
	return l
}

// Allow never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, identity string) (Decision, error) {
	return l.check(identity), nil
}

func (l *MemoryLimiter) check(identity string) Decision {
	now := l.now()
	q := l.quota.Load()

	rec, found := l.records.Get(identity)
	if !found {
		l.create.Lock()
		rec, found = l.records.Get(identity)
		if !found {
			rec = &record{count: 1, resetAt: now.Add(q.window)}
			l.records.SetWithTTL(identity, rec, recordCost, 2*q.window)
			// Make the record visible to the next Get.
			l.records.Wait()
			l.create.Unlock()
			return q.decide(true, 1, rec.resetAt)
		}
		l.create.Unlock()
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if now.After(rec.resetAt) {
		rec.count = 1
		rec.resetAt = now.Add(q.window)
		l.records.SetWithTTL(identity, rec, recordCost, 2*q.window)
		return q.decide(true, rec.count, rec.resetAt)
	}
	if rec.count < q.max {
		rec.count++
		return q.decide(true, rec.count, rec.resetAt)
	}
	return q.decide(false, rec.count, rec.resetAt)
}

func (l *MemoryLimiter) Reconfigure(maxRequests int64, window time.Duration) {
	l.quota.Store(newQuota(maxRequests, window))
}

// Close releases the record store. Safe to call multiple times.
func (l *MemoryLimiter) Close() error {
	l.records.Close()
	return nil
}
