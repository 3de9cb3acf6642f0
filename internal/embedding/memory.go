package embedding

import (
	"context"
	"sync"
)

// MemoryCache is a bounded in-process cache. When full, the oldest
// inserted entry is evicted first.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	order   []string
	max     int
}

// NewMemoryCache creates a cache holding at most max entries. A zero or
// negative max falls back to a sensible default.
func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 4096
	}
	return &MemoryCache{
		entries: make(map[string][]float32, max),
		max:     max,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[key]
	return vec, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = vec
		return
	}
	for len(c.entries) >= c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = vec
	c.order = append(c.order, key)
}

// Len reports the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
