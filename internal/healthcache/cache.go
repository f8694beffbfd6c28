// Package healthcache caches indexer health results for a TTL window to
// avoid duplicate test calls across overlapping check cycles. A miss must
// always trigger a real check; the cache never synthesizes a result.
package healthcache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one cached health result keyed by (service, indexer ID).
type Entry struct {
	Service     string    `json:"service"`
	IndexerID   int       `json:"indexer_id"`
	IndexerName string    `json:"indexer_name"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Size       int     `json:"size"`
	Hits       int     `json:"hits"`
	Misses     int     `json:"misses"`
	Total      int     `json:"total_accesses"`
	HitRate    float64 `json:"hit_rate_percent"`
	TTL        string  `json:"ttl"`
	MaxEntries int     `json:"max_entries"`
}

// Cache is a TTL- and capacity-bounded health result cache. Safe for
// concurrent use by the scheduler loop and HTTP handlers.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	hits    int
	misses  int
}

// Option customizes a new cache.
type Option func(*Cache)

// WithClock overrides the cache's time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given entry TTL and capacity.
func New(ttl time.Duration, maxEntries int, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		entries:    make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(service string, indexerID int) string {
	return fmt.Sprintf("%s:%d", service, indexerID)
}

// Get returns the cached entry if present and younger than the TTL.
// A stale entry is removed as a side effect and counted as a miss.
func (c *Cache) Get(service string, indexerID int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(service, indexerID)
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if c.now().Sub(e.Timestamp) >= c.ttl {
		delete(c.entries, k)
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return e, true
}

// Set stores a health result. At capacity, the entry with the smallest
// timestamp is evicted first. The scan is linear; fine at the expected
// scale of a few thousand entries.
func (c *Cache) Set(service string, indexerID int, indexerName string, success bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(service, indexerID)
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for ek, e := range c.entries {
			if oldestKey == "" || e.Timestamp.Before(oldest) {
				oldestKey = ek
				oldest = e.Timestamp
			}
		}
		delete(c.entries, oldestKey)
		c.logger.Debug("healthcache: evicted oldest entry", "key", oldestKey)
	}

	c.entries[k] = Entry{
		Service:     service,
		IndexerID:   indexerID,
		IndexerName: indexerName,
		Success:     success,
		Error:       errMsg,
		Timestamp:   c.now(),
	}
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(service string, indexerID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(service, indexerID))
}

// InvalidateService removes every entry for a service.
func (c *Cache) InvalidateService(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := service + ":"
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	c.logger.Debug("healthcache: invalidated service entries", "service", service, "removed", removed)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Stats returns a snapshot of size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:       len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		Total:      total,
		HitRate:    rate,
		TTL:        c.ttl.String(),
		MaxEntries: c.maxEntries,
	}
}
