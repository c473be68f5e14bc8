package infra

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LRUCache is a thread-safe cache combining LRU eviction with per-entry
// TTL. Expired entries are invalidated lazily on access and swept by an
// optional background task.
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxSize    int
	defaultTTL time.Duration
	stopCh     chan struct{}
	stopped    atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

type lruEntry struct {
	key        string
	value      any
	insertedAt time.Time
	expiresAt  time.Time
}

// CacheConfig configures one LRU cache.
type CacheConfig struct {
	// MaxSize limits the number of entries.
	MaxSize int
	// DefaultTTL is the time-to-live applied by Set.
	DefaultTTL time.Duration
	// SweepInterval sets how often expired entries are swept
	// (0 = no background sweep).
	SweepInterval time.Duration
}

// NewLRUCache creates a cache with the given configuration.
func NewLRUCache(config CacheConfig) *LRUCache {
	if config.MaxSize <= 0 {
		config.MaxSize = 300
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}

	c := &LRUCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    config.MaxSize,
		defaultTTL: config.DefaultTTL,
		stopCh:     make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go c.sweepLoop(config.SweepInterval)
	}

	return c
}

// Get retrieves a value, promoting it to most recently used.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Set stores a value with the default TTL.
func (c *LRUCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL, evicting the least recently
// used entry if the cache is over capacity afterwards.
func (c *LRUCache) SetWithTTL(key string, value any, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.insertedAt = now
		entry.expiresAt = now.Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&lruEntry{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	})
	c.entries[key] = elem

	for len(c.entries) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evicts.Add(1)
	}
}

// Delete removes a key.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of stored entries, expired included.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *LRUCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*lruEntry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Stop halts the background sweep goroutine.
func (c *LRUCache) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		Evicts:  c.evicts.Load(),
		HitRate: hitRate,
	}
}

// removeLocked unlinks an element. Must be called with mu held.
func (c *LRUCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

func (c *LRUCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	Evicts  uint64
	HitRate float64
}

// Named caches. Each call site picks the cache matching the data it holds.
const (
	CacheRAG     = "rag"
	CacheOllama  = "ollama"
	CacheScraper = "scraper"
	CacheGeneral = "general"
)

// CacheSet bundles the four named caches used across the gateway.
type CacheSet struct {
	caches map[string]*LRUCache
}

// CacheSetConfig overrides per-cache sizing. Zero values keep defaults.
type CacheSetConfig struct {
	SweepInterval time.Duration
	RAG           CacheConfig
	Ollama        CacheConfig
	Scraper       CacheConfig
	General       CacheConfig
}

// NewCacheSet creates the named caches with their default capacities and
// TTLs, applying any overrides from cfg.
func NewCacheSet(cfg CacheSetConfig) *CacheSet {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 60 * time.Second
	}

	build := func(override CacheConfig, size int, ttl time.Duration) *LRUCache {
		if override.MaxSize > 0 {
			size = override.MaxSize
		}
		if override.DefaultTTL > 0 {
			ttl = override.DefaultTTL
		}
		return NewLRUCache(CacheConfig{MaxSize: size, DefaultTTL: ttl, SweepInterval: sweep})
	}

	return &CacheSet{
		caches: map[string]*LRUCache{
			CacheRAG:     build(cfg.RAG, 500, 10*time.Minute),
			CacheOllama:  build(cfg.Ollama, 200, 5*time.Minute),
			CacheScraper: build(cfg.Scraper, 100, 30*time.Minute),
			CacheGeneral: build(cfg.General, 300, 5*time.Minute),
		},
	}
}

// Get returns the named cache, falling back to the general cache for
// unknown names.
func (s *CacheSet) Get(name string) *LRUCache {
	if c, ok := s.caches[name]; ok {
		return c
	}
	return s.caches[CacheGeneral]
}

// Stats returns statistics for every named cache.
func (s *CacheSet) Stats() map[string]CacheStats {
	stats := make(map[string]CacheStats, len(s.caches))
	for name, c := range s.caches {
		stats[name] = c.Stats()
	}
	return stats
}

// Clear empties every named cache.
func (s *CacheSet) Clear() {
	for _, c := range s.caches {
		c.Clear()
	}
}

// Stop halts all background sweeps.
func (s *CacheSet) Stop() {
	for _, c := range s.caches {
		c.Stop()
	}
}
