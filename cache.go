package bizsync

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a cached read is served without a remote call.
const DefaultTTL = 5 * time.Minute

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

type cacheEntry struct {
	value     any
	timestamp time.Time
}

// TTLCache maps keys to values stamped with their write time. There is no
// size eviction: entries are small and live for one session.
type TTLCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     Clock
	entries map[string]cacheEntry
}

// NewTTLCache creates a cache. ttl <= 0 selects DefaultTTL; now == nil selects time.Now.
func NewTTLCache(ttl time.Duration, now Clock) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

// Get returns the value under key while its age is below the TTL.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.timestamp) >= c.ttl {
		return nil, false
	}
	return e.value, true
}

// Set stores value stamped with the current time.
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, timestamp: c.now()}
	c.mu.Unlock()
}

// Invalidate removes a single key.
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every key starting with prefix.
func (c *TTLCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len counts stored entries, fresh or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ============================================================================
// Keys
// ============================================================================
//
// Collection views:  {kind}|{filters}            e.g. projects|status=open|
// Scoped views:      {kind}_{scope}|{filters}    e.g. project_tasks_P1|status=open|
// Single records:    {kind}#{id}

// CollectionKey names the cached view of kind under filters. When kind has a
// scope key and filters set it, the view is namespaced by the parent id so a
// mutation on that parent can drop exactly its child views.
func CollectionKey(kind Kind, filters Filters) string {
	if kind.ScopeKey != "" {
		if scope, ok := filters[kind.ScopeKey]; ok {
			return scopePrefix(kind.Name, scope) + filters.without(kind.ScopeKey).Encode()
		}
	}
	return kind.Name + "|" + filters.Encode()
}

// RecordKey names the cached single-record read.
func RecordKey(kind Kind, id string) string {
	return kind.Name + "#" + id
}

func scopePrefix(kindName, scope string) string {
	return kindName + "_" + scope + "|"
}
