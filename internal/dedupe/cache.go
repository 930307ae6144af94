// Package dedupe provides the processed-message cache used to drop replayed
// inbound messages before they reach the session orchestrator.
package dedupe

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults for cache sizing and eviction.
const (
	DefaultMaxEntries = 5000
	DefaultTTL        = 30 * time.Minute
	sweepInterval     = 5 * time.Minute
)

// Cache is a bounded, TTL-evicted set of message identifiers. An identifier
// recorded here must never reach the orchestrator a second time.
type Cache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	order      []string
	maxEntries int
	ttl        time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a cache with the given size cap and TTL. Zero values select the
// package defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		seen:       make(map[string]time.Time),
		maxEntries: maxEntries,
		ttl:        ttl,
		done:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen records the identifier and reports whether it had been recorded before.
// Check and record happen under one lock so concurrent duplicates cannot both
// pass.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if firstSeen, ok := c.seen[id]; ok {
		if now.Sub(firstSeen) < c.ttl {
			return true
		}
		// Entry aged out between sweeps; treat as unseen and refresh it. The
		// stale order slot has to go, or cap eviction would drop the refreshed
		// entry ahead of its turn.
		for i, old := range c.order {
			if old == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}

	c.seen[id] = now
	c.order = append(c.order, id)
	for len(c.seen) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}

// Len returns the number of cached identifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the background eviction sweep.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.ttl)
	kept := c.order[:0]
	removed := 0
	for _, id := range c.order {
		firstSeen, ok := c.seen[id]
		if !ok {
			continue
		}
		if firstSeen.Before(cutoff) {
			delete(c.seen, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	if removed > 0 {
		slog.Debug("Dedupe cache sweep evicted entries", "removed", removed, "remaining", len(c.seen))
	}
}
