// Package gateway
package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// responseCache holds successful read-only responses for a fixed TTL.
// Entries expire by timestamp; expired entries are overwritten on the next
// store for the same key.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, now func() time.Time) *responseCache {
	if now == nil {
		now = time.Now
	}
	return &responseCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

func (c *responseCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

func (c *responseCache) Put(key string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: c.now().Add(c.ttl)}
}
