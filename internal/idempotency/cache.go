// Package idempotency replays responses for requests that repeat an
// Idempotency-Key, so a client retry never routes and charges twice.
package idempotency

import (
	"sync"
	"time"
)

// entry is a cached response.
type entry struct {
	Response   []byte
	StatusCode int
	Headers    map[string]string
	CreatedAt  time.Time
}

// Cache is a TTL-bounded, size-limited in-memory response cache. It also
// tracks keys whose first request is still running.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	inflight   map[string]struct{}
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	now        func() time.Time
}

// New creates a Cache that expires entries after ttl and evicts the oldest
// entry when maxEntries is reached.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		inflight:   make(map[string]struct{}),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	go c.cleanupLoop()
	return c
}

// Get returns an unexpired entry for key.
func (c *Cache) Get(key string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.CreatedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Begin claims key for a first request. It returns the cached entry when
// one exists, and claimed=false when another request holds the key.
func (c *Cache) Begin(key string) (cached *entry, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.getLocked(key); ok {
		return e, false
	}
	if _, busy := c.inflight[key]; busy {
		return nil, false
	}
	c.inflight[key] = struct{}{}
	return nil, true
}

// End releases a key claimed by Begin.
func (c *Cache) End(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
}

// Set stores a response under key, evicting the oldest entry at capacity.
func (c *Cache) Set(key string, response []byte, statusCode int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{
		Response:   response,
		StatusCode: statusCode,
		Headers:    headers,
		CreatedAt:  c.now(),
	}
}

// Len reports the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop ends the background cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictOldest must be called with c.mu held.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.CreatedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.CreatedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
