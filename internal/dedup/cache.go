// Package dedup remembers recently seen platform message ids so webhook
// redeliveries are processed at most once while the entry lives.
//
// Delivery is at-least-once with best-effort deduplication. Entries expire
// after the TTL and are swept once the cache grows past its ceiling, so a
// redelivery that arrives after its entry was dropped is processed again.
// Operators should expect a rare duplicate reply after long platform retry
// delays or bursts that overflow the ceiling.
package dedup

import (
	"sync"
	"time"

	"msgrelay/internal/domain"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 10000
)

// Cache maps "platform:message_id" to the time it was first seen.
//
// Expired entries are only swept when the map grows past MaxEntries, so an
// expired id can still report as duplicate until the next sweep. The sweep
// can leave the map above the ceiling when every entry is still live.
type Cache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDuplicate reports whether the id was already seen. The first call for an
// id records it and returns false; check and insert are atomic.
func (c *Cache) IsDuplicate(platform domain.Platform, messageID string) bool {
	key := string(platform) + ":" + messageID

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}

	now := c.now()
	if len(c.seen) > c.maxEntries {
		c.sweep(now)
	}
	c.seen[key] = now
	return false
}

// sweep drops entries older than the TTL. Caller holds mu.
func (c *Cache) sweep(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for k, first := range c.seen {
		if first.Before(cutoff) {
			delete(c.seen, k)
		}
	}
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
