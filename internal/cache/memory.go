package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type MemoryConfig struct {
	MaxEntries int
	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// MemoryCache is a process-wide ResultCache. Expired entries are removed
// lazily by the next Get or Set touching the key; there is no sweeper.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(config MemoryConfig) *MemoryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &MemoryCache{
		entries:    make(map[string]Entry),
		maxEntries: config.MaxEntries,
		now:        config.Now,
	}
}

// Get checks expiry and evicts under the same lock, so a reader never
// observes an entry past ExpiresAt.
func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return Entry{}, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

func (c *MemoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()
	entry := Entry{
		Value:     append(json.RawMessage(nil), value...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) evictOldest() {
	oldestKey := ""
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
