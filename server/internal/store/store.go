package store

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
)

// minCounters keeps the admission sketch useful for small caches.
const minCounters = 1000

// Store is a size-bounded cache of rendered HTML pages. Entries are keyed by
// file name and modification time, so a changed file never hits a stale page
// even before Purge runs.
type Store struct {
	c   *ristretto.Cache[string, string]
	ttl time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// New creates a Store holding at most maxCost bytes of HTML. Entries expire
// after ttl; zero means never.
func New(maxCost int64, ttl time.Duration) (*Store, error) {
	counters := maxCost / 100 * 10 // ~10x expected items
	if counters < minCounters {
		counters = minCounters
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("store: create cache: %w", err)
	}
	return &Store{c: c, ttl: ttl}, nil
}

// Key builds the cache key for a document version.
func Key(filename string, modified time.Time) string {
	return fmt.Sprintf("%s@%d", filename, modified.UnixNano())
}

// ContentKey builds the cache key for a document without a modification
// time, such as text read from stdin.
func ContentKey(filename string, text []byte) string {
	return fmt.Sprintf("%s#%016x", filename, xxhash.Sum64(text))
}

// Get returns the cached page for key.
func (s *Store) Get(key string) (string, bool) {
	html, ok := s.c.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return html, ok
}

// Put caches html under key. It waits for the write to be applied so an
// immediate Get observes it. The cache may still decline to admit the entry.
func (s *Store) Put(key, html string) {
	if !s.c.SetWithTTL(key, html, int64(len(html)), s.ttl) {
		slog.Debug("store: entry dropped", "key", key, "bytes", len(html))
		return
	}
	s.c.Wait()
}

// Purge drops every cached page.
func (s *Store) Purge() {
	s.c.Clear()
	slog.Debug("store: purged")
}

// Stats returns the hit and miss counters.
func (s *Store) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// Close releases the cache's background goroutines.
func (s *Store) Close() {
	s.c.Close()
}
