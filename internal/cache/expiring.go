package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
)

// Clock abstracts time for the cache so expiry can be tested without sleeping.
type Clock func() time.Time

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// ExpiringCache is a process-wide key-value store with per-entry TTL and a
// periodic sweep. It replaces ad-hoc module-level session maps: the clock is
// injected and the sweeper is an explicit goroutine with a Stop.
type ExpiringCache struct {
	name    string
	ttl     time.Duration
	clock   Clock
	mu      sync.RWMutex
	entries map[string]entry
	hits    atomic.Int64
	misses  atomic.Int64
	done    chan struct{}
	stopped sync.Once
}

// NewExpiringCache creates a cache with the given default TTL and starts its
// sweep loop. A nil clock defaults to time.Now. The name labels metrics.
func NewExpiringCache(name string, ttl, sweepInterval time.Duration, clock Clock) *ExpiringCache {
	if clock == nil {
		clock = time.Now
	}
	c := &ExpiringCache{
		name:    name,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Get returns the value for key if present and unexpired.
func (c *ExpiringCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.clock().After(e.expiresAt) {
		c.misses.Add(1)
		observer.IncCacheCheck(c.name, "miss")
		return nil, false
	}
	c.hits.Add(1)
	observer.IncCacheCheck(c.name, "hit")
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *ExpiringCache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *ExpiringCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.clock().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key immediately. Used on rotation/deactivation so a stale
// secret never outlives its row.
func (c *ExpiringCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current entry count, expired entries included until swept.
func (c *ExpiringCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were evicted.
func (c *ExpiringCache) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Stop terminates the sweep loop. Safe to call more than once.
func (c *ExpiringCache) Stop() {
	c.stopped.Do(func() {
		close(c.done)
	})
}

func (c *ExpiringCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
			observer.SetCacheSize(c.name, c.Len())
		case <-c.done:
			return
		}
	}
}

// Stats reports hit/miss counters for operational visibility.
func (c *ExpiringCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
