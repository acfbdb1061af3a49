package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry struct {
	rec      student.Record
	storedAt time.Time
}

// MemoryStore is an LRU-bounded, TTL-expiring in-process cache. One mutex
// guards the list; every Get moves the entry to the front.
type MemoryStore struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[string, *entry]
	opts Options
	now  func() time.Time
}

// NewMemoryStore creates a MemoryStore holding at most opts.MaxEntries.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	opts = opts.withDefaults()
	l, err := simplelru.NewLRU[string, *entry](opts.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &MemoryStore{lru: l, opts: opts, now: time.Now}, nil
}

// Get returns the entry for key. Entries past both the TTL and the stale
// window are removed.
func (s *MemoryStore) Get(_ context.Context, key string) (Lookup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return Lookup{}, false
	}

	now := s.now()
	fresh, stale := s.opts.classify(e.storedAt, now)
	switch {
	case fresh:
		if s.opts.UpdateAgeOnGet {
			e.storedAt = now
		}
		return Lookup{Record: e.rec, StoredAt: e.storedAt}, true
	case stale:
		return Lookup{Record: e.rec, StoredAt: e.storedAt, Stale: true}, true
	}
	s.lru.Remove(key)
	return Lookup{}, false
}

// Put inserts or replaces key, resetting its age. The least recently used
// entry is evicted when the store is full.
func (s *MemoryStore) Put(_ context.Context, key string, rec student.Record) bool {
	if rec.HasError() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, &entry{rec: rec.Clone(), storedAt: s.now()})
	return true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
