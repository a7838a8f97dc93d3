// ABOUTME: TTL cache the router uses to drop redelivered channel messages
// ABOUTME: Check-and-mark is atomic so concurrent deliveries race safely

package gateway

import (
	"sync"
	"time"
)

// dedupeCache remembers recently seen message keys. Channel adapters may
// redeliver on reconnect; the router drops anything it has already handled
// within the TTL window.
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	once    sync.Once
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	c := &dedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// checkAndMark reports whether key was already seen within the TTL, marking
// it as seen if not. Atomic, so two concurrent deliveries of the same message
// cannot both pass.
func (c *dedupeCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && time.Since(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = time.Now()
	return false
}

// evictOldestLocked drops the stalest entry to make room. Must hold mu.
func (c *dedupeCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, at := range c.seen {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = key, at
		}
	}
	if oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}

func (c *dedupeCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, at := range c.seen {
				if now.Sub(at) > c.ttl {
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *dedupeCache) close() {
	c.once.Do(func() { close(c.done) })
}
