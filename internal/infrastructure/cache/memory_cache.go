// Package cache provides the in-memory document cache used by the offline layer.
// Entries are evicted by LRU only; staleness is decided by the reader, so an expired
// entry stays available as a fallback until it is evicted or replaced.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Entry is one cached document and the time it was stored.
type Entry struct {
	Data      persistence.Document
	Timestamp time.Time
}

// Fresh reports whether the entry is younger than maxAge at now.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.Timestamp) < maxAge
}

// MemoryCache is a thread-safe LRU of document entries.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]*cacheItem
	lruList  *list.List
	maxItems int

	// Statistics
	hits      int64
	misses    int64
	evictions int64

	logger *zap.Logger
}

type cacheItem struct {
	key        string
	entry      Entry
	lruElement *list.Element
}

// NewMemoryCache creates a cache holding at most maxItems entries. maxItems <= 0 means unbounded.
func NewMemoryCache(maxItems int, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		items:    make(map[string]*cacheItem),
		lruList:  list.New(),
		maxItems: maxItems,
		logger:   logger.Named("memory_cache"),
	}
}

// Key builds the cache key of a row.
func Key(table, id string) string {
	return table + ":" + id
}

// Get returns the entry stored under key, fresh or not. The returned document is a copy.
func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return Entry{}, false
	}
	c.lruList.MoveToFront(item.lruElement)
	c.hits++
	return Entry{Data: item.entry.Data.Clone(), Timestamp: item.entry.Timestamp}, true
}

// Set stores a copy of data under key, stamped with at.
func (c *MemoryCache) Set(key string, data persistence.Document, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.items[key]; exists {
		existing.entry = Entry{Data: data.Clone(), Timestamp: at}
		c.lruList.MoveToFront(existing.lruElement)
		return
	}

	for c.maxItems > 0 && len(c.items) >= c.maxItems && c.lruList.Len() > 0 {
		oldest := c.lruList.Back()
		c.removeItem(oldest.Value.(*cacheItem))
		c.evictions++
	}

	item := &cacheItem{key: key, entry: Entry{Data: data.Clone(), Timestamp: at}}
	item.lruElement = c.lruList.PushFront(item)
	c.items[key] = item
}

// Delete removes key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Clear removes all entries whose key matches pattern ("*", "prefix*", "*suffix" or exact).
func (c *MemoryCache) Clear(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	toDelete := make([]*cacheItem, 0)
	for key, item := range c.items {
		if matchPattern(key, pattern) {
			toDelete = append(toDelete, item)
		}
	}
	for _, item := range toDelete {
		c.removeItem(item)
	}

	c.logger.Debug("Cleared cache entries",
		zap.String("pattern", pattern),
		zap.Int("count", len(toDelete)),
	)
	return len(toDelete)
}

// removeItem removes an item from the cache (must be called with lock held)
func (c *MemoryCache) removeItem(item *cacheItem) {
	if item.lruElement != nil {
		c.lruList.Remove(item.lruElement)
	}
	delete(c.items, item.key)
}

// GetStats returns cache statistics
func (c *MemoryCache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := float64(0)
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Items:     len(c.items),
		HitRate:   hitRate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Items     int     `json:"items"`
	HitRate   float64 `json:"hit_rate"`
}

// matchPattern implements simple wildcard pattern matching
func matchPattern(str, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[0] == '*' {
		suffix := pattern[1:]
		return len(str) >= len(suffix) && str[len(str)-len(suffix):] == suffix
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(str) >= len(prefix) && str[:len(prefix)] == prefix
	}
	return str == pattern
}
