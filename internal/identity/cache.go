package identity

import (
	"sync"
	"sync/atomic"
	"time"
)

// ContactCache is a TTL-based in-memory cache with stale-while-revalidate
// for directory lookups. Uses sync.Map for lock-free reads on the hot path.
type ContactCache struct {
	store sync.Map // map[string]*contactCacheEntry
	ttl   time.Duration
}

type contactCacheEntry struct {
	contact    *Contact // nil = negative cache (address not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Contact      *Contact // nil if not found or negative cache
	Hit          bool     // true if a value was found (fresh or stale)
	NeedsRefresh bool     // true if expired — caller should refresh in background
}

// NewContactCache creates a cache with the given TTL.
func NewContactCache(ttl time.Duration) *ContactCache {
	return &ContactCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *ContactCache) Get(key string) CacheGetResult {
	val, ok := c.store.Load(key)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*contactCacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return CacheGetResult{
			Contact: entry.contact,
			Hit:     true,
		}
	}

	// Stale hit — signal refresh needed (only one goroutine wins the CAS)
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Contact:      entry.contact,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a contact in the cache with a fresh TTL.
// Passing nil stores a negative cache entry (address not found).
func (c *ContactCache) Set(key string, contact *Contact) {
	c.store.Store(key, &contactCacheEntry{
		contact:   contact,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *ContactCache) Delete(key string) {
	c.store.Delete(key)
}
