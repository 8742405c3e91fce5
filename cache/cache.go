// Package cache keeps rendered public form responses in memory. Entries are
// keyed by an xxhash of the form slug and dropped whenever the owner changes
// the form.
package cache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
)

type entry struct {
	status      int
	contentType string
	header      http.Header
	body        []byte
}

// Store is safe for concurrent use. A nil *Store caches nothing.
type Store struct {
	items *gocache.Cache
}

// New returns nil when ttl is not positive, which disables caching.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		return nil
	}
	return &Store{items: gocache.New(ttl, 2*ttl)}
}

// generateHash generates an xxHash hash for the given string
func generateHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// Key is the cache key of a form slug.
func Key(slug string) string {
	return "form:" + generateHash(slug)
}

func (s *Store) get(slug string) (entry, bool) {
	if s == nil {
		return entry{}, false
	}
	x, found := s.items.Get(Key(slug))
	if !found {
		return entry{}, false
	}
	return x.(entry), true
}

func (s *Store) set(slug string, e entry) {
	if s == nil {
		return
	}
	s.items.SetDefault(Key(slug), e)
}

// Invalidate drops the cached response of a slug.
func (s *Store) Invalidate(slug string) {
	if s == nil {
		return
	}
	s.items.Delete(Key(slug))
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return s.items.ItemCount()
}

// Flush empties the cache.
func (s *Store) Flush() {
	if s == nil {
		return
	}
	s.items.Flush()
}
