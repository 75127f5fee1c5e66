package prefs

import (
	"sync"
	"time"

	"notifly/internal/types"
)

// DefaultCacheTTL bounds how stale a cached preference row may be when it
// was written by another process.
const DefaultCacheTTL = 5 * time.Minute

// Cache is a process-local read-through cache for preference rows.
// Entries expire after the TTL; writes through the service invalidate the
// entry immediately, so staleness only arises from writes by other
// processes and is bounded by the TTL.
//
// Get and Set clone rows on the way in and out so callers can never
// mutate a cached entry in place.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   types.Clock
}

type cacheEntry struct {
	prefs     *types.UserPreferences
	expiresAt time.Time
}

// NewCache creates a Cache with the given TTL. A non-positive TTL falls
// back to DefaultCacheTTL.
func NewCache(ttl time.Duration, clock types.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns a copy of the cached row for userID, or false when absent
// or expired. Expired entries are dropped lazily on the next Set or
// Invalidate for the same key.
func (c *Cache) Get(userID string) (*types.UserPreferences, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.prefs.Clone(), true
}

// Set stores a copy of the row under userID with a fresh TTL.
func (c *Cache) Set(userID string, prefs *types.UserPreferences) {
	entry := cacheEntry{
		prefs:     prefs.Clone(),
		expiresAt: c.clock.Now().Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[userID] = entry
	c.mu.Unlock()
}

// Invalidate drops the cached row for userID. Called after every
// preference write so readers in this process see the write immediately.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
