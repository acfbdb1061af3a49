// Package cache holds recently fetched student records so repeated lookups
// within the TTL are served without calling the spreadsheet API. Entries
// live in a bounded in-process LRU or, for multi-instance deployments, in
// Redis. Records carrying an upstream error marker are never stored.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/student"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultMaxEntries = 500
	DefaultTTL        = 5 * time.Minute
)

// Lookup is a successful cache read.
type Lookup struct {
	Record   student.Record
	StoredAt time.Time
	// Stale is set when the entry is past its TTL but still inside the
	// stale-if-error window. Callers may only serve it when a refetch fails.
	Stale bool
}

// Store is a response cache keyed by Key.
type Store interface {
	Get(ctx context.Context, key string) (Lookup, bool)
	// Put stores rec under key and reports whether it was stored. Records
	// with an error marker are refused and leave any existing entry alone.
	Put(ctx context.Context, key string, rec student.Record) bool
	// Len returns the number of entries, or -1 when the backend does not
	// track it.
	Len() int
}

// Options configures a Store.
type Options struct {
	MaxEntries     int
	TTL            time.Duration
	StaleIfError   time.Duration
	UpdateAgeOnGet bool
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.StaleIfError < 0 {
		o.StaleIfError = 0
	}
	return o
}

// classify reports whether an entry stored at storedAt is fresh, stale, or
// gone at now.
func (o Options) classify(storedAt, now time.Time) (fresh, stale bool) {
	age := now.Sub(storedAt)
	if age < o.TTL {
		return true, false
	}
	return false, o.StaleIfError > 0 && age < o.TTL+o.StaleIfError
}

// KeyPrefix starts every cache key.
const KeyPrefix = "student:"

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key builds the cache key for q: student:<email>:<nisn>:<term>. Parts are
// trimmed but otherwise kept as the upstream receives them, an absent term
// becomes student.TermCurrent, and separators inside parts are escaped so
// distinct queries never share a key.
func Key(q student.Query) string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteString(keyEscaper.Replace(strings.TrimSpace(q.Email)))
	b.WriteByte(':')
	b.WriteString(keyEscaper.Replace(strings.TrimSpace(q.NISN)))
	b.WriteByte(':')
	b.WriteString(keyEscaper.Replace(q.Term()))
	return b.String()
}
