// Package cache holds previously computed priced content, one slot per
// pricing tier.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached content value.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
}

// ResponseCache maps tier names to their last computed value. Races between
// writers are last-writer-wins.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

type Option func(*ResponseCache)

// WithClock sets the time source used for freshness.
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) { c.now = now }
}

func New(opts ...Option) *ResponseCache {
	c := &ResponseCache{entries: make(map[string]Entry), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key if it is younger than ttl. A non-positive
// ttl never hits.
func (c *ResponseCache) Get(key string, ttl time.Duration) (Entry, bool) {
	if ttl <= 0 {
		return Entry{}, false
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	if c.now().Sub(e.CreatedAt) >= ttl {
		return Entry{}, false
	}
	return e, true
}

// Put stores value under key, stamped with the current time.
func (c *ResponseCache) Put(key string, value []byte) {
	c.mu.Lock()
	c.entries[key] = Entry{Value: value, CreatedAt: c.now()}
	c.mu.Unlock()
}

// Purge removes entries older than maxAge.
func (c *ResponseCache) Purge(maxAge time.Duration) int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if now.Sub(e.CreatedAt) >= maxAge {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
