package directory

import (
	"sync"
	"time"

	mediarelay "github.com/wolfeidau/media-relay"
)

// DefaultTTL is how long a directory entry stays fresh in the cache.
const DefaultTTL = time.Hour

// Cache is a TTL cache of directory entries keyed by identifier. An entry
// older than the TTL is treated as absent: the caller must run a fresh
// search rather than serve it. Last write wins; safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	entry      *mediarelay.DirectoryEntry
	insertedAt time.Time
}

// NewCache creates a cache with the given TTL. A non-positive TTL falls back
// to DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a fresh entry for the identifier, or false on a miss. An
// expired entry is a miss.
func (c *Cache) Get(identifier string) (*mediarelay.DirectoryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ce, ok := c.entries[identifier]
	if !ok {
		return nil, false
	}
	if c.now().Sub(ce.insertedAt) >= c.ttl {
		return nil, false
	}
	return ce.entry, true
}

// Put stores an entry with the current timestamp, replacing any previous
// entry for the identifier.
func (c *Cache) Put(identifier string, entry *mediarelay.DirectoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[identifier] = cacheEntry{entry: entry, insertedAt: c.now()}
}

// Delete removes an entry. Idempotent.
func (c *Cache) Delete(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, identifier)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// SweepExpired removes expired entries and returns how many were removed.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for id, ce := range c.entries {
		if !ce.insertedAt.After(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
