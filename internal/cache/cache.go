// Package cache holds fetched pages in memory with TTL expiry, LRU eviction,
// and the HTTP validators needed for conditional revalidation.
package cache

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	contenthash "github.com/JakeFAU/webscrape/internal/hash/sha256"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Entry is one cached page fetch.
type Entry struct {
	URL          string    `json:"url"`
	Content      string    `json:"content"`
	Title        string    `json:"title,omitempty"`
	Author       string    `json:"author,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	Size         int       `json:"size"`
	Hash         string    `json:"hash,omitempty"`
}

// Stats summarizes the TTL-valid entries.
type Stats struct {
	TotalEntries int        `json:"totalEntries"`
	TotalSize    int64      `json:"totalSize"`
	OldestEntry  *time.Time `json:"oldestEntry,omitempty"`
	NewestEntry  *time.Time `json:"newestEntry,omitempty"`
}

// Eviction reasons passed to an Observer.
const (
	EvictExpired = "expired"
	EvictLRU     = "lru"
	EvictPurged  = "purged"
)

// Observer is told about removed entries and the entry count after every change.
// Its methods run with the cache lock held and must not call back into the Cache.
type Observer interface {
	CacheEvicted(reason string, n int)
	CacheSize(n int)
}

type nopObserver struct{}

func (nopObserver) CacheEvicted(string, int) {}
func (nopObserver) CacheSize(int)            {}

// Config sizes a Cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	Clock      Clock
	Observer   Observer
}

// Cache maps normalized URLs to entries. All methods are safe for concurrent use
// and none of them fail.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	access   map[string]uint64
	counter  uint64
	ttl      time.Duration
	max      int
	clock    Clock
	observer Observer
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New builds a Cache. A non-positive MaxEntries is treated as 1.
func New(cfg Config) *Cache {
	clk := cfg.Clock
	if clk == nil {
		clk = wallClock{}
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		access:   make(map[string]uint64),
		ttl:      cfg.TTL,
		max:      maxEntries,
		clock:    clk,
		observer: observer,
	}
}

// Get returns the entry for url if present and fresh. An expired entry is evicted.
// A hit marks the entry as most recently used.
func (c *Cache) Get(url string) (Entry, bool) {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !c.validLocked(entry) {
		c.removeLocked(key)
		c.changedLocked(EvictExpired, 1)
		return Entry{}, false
	}
	c.touchLocked(key)
	return *entry, true
}

// Peek returns the entry for url regardless of TTL without touching LRU state.
// It is used to recover validators and content for revalidation.
func (c *Cache) Peek(url string) (Entry, bool) {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Has reports whether a fresh entry exists. LRU state is not touched.
func (c *Cache) Has(url string) bool {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	return ok && c.validLocked(entry)
}

// Set inserts or overwrites the entry keyed by entry.URL and returns what was stored.
// Inserting a new key at capacity evicts least-recently-used entries first, so Len
// never exceeds MaxEntries.
func (c *Cache) Set(entry Entry) Entry {
	key := Key(entry.URL)
	if entry.Size == 0 && entry.Content != "" {
		entry.Size = len(entry.Content)
	}
	if entry.Hash == "" && entry.Content != "" {
		entry.Hash = contenthash.Hex(entry.Content)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.max {
			victim, found := c.lruLocked()
			if !found {
				evicted += len(c.entries)
				c.clearLocked()
				break
			}
			c.removeLocked(victim)
			evicted++
		}
	}
	stored := entry
	c.entries[key] = &stored
	c.touchLocked(key)
	c.changedLocked(EvictLRU, evicted)
	return stored
}

// Revalidate refreshes the timestamp of an existing entry after a 304 and adopts
// any validators the server re-sent. It reports false when the entry is gone.
func (c *Cache) Revalidate(url, etag, lastModified string) (Entry, bool) {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry.Timestamp = c.clock.Now()
	if etag != "" {
		entry.ETag = etag
	}
	if lastModified != "" {
		entry.LastModified = lastModified
	}
	c.touchLocked(key)
	return *entry, true
}

// UpdateMetadata records extraction results on a cached entry.
func (c *Cache) UpdateMetadata(url, title, author string) bool {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if title != "" {
		entry.Title = title
	}
	if author != "" {
		entry.Author = author
	}
	return true
}

// Delete removes the entry for url and reports whether one existed.
func (c *Cache) Delete(url string) bool {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	c.changedLocked(EvictPurged, 1)
	return true
}

// All returns fresh entries, newest first. Expired entries are skipped, not evicted.
func (c *Cache) All() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		if c.validLocked(entry) {
			out = append(out, *entry)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].URL < out[j].URL
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Stats summarizes fresh entries.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats Stats
	for _, entry := range c.entries {
		if !c.validLocked(entry) {
			continue
		}
		stats.TotalEntries++
		stats.TotalSize += int64(entry.Size)
		ts := entry.Timestamp
		if stats.OldestEntry == nil || ts.Before(*stats.OldestEntry) {
			oldest := ts
			stats.OldestEntry = &oldest
		}
		if stats.NewestEntry == nil || ts.After(*stats.NewestEntry) {
			newest := ts
			stats.NewestEntry = &newest
		}
	}
	return stats
}

// Len counts stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache and resets the access counter.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.clearLocked()
	c.changedLocked(EvictPurged, n)
}

// Cleanup evicts every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !c.validLocked(entry) {
			c.removeLocked(key)
			removed++
		}
	}
	c.changedLocked(EvictExpired, removed)
	return removed
}

// Purge deletes entries whose URL matches a glob pattern (for example
// "https://example.com/*"). An empty pattern clears everything.
func (c *Cache) Purge(pattern string) (int, error) {
	if pattern == "" {
		c.mu.Lock()
		n := len(c.entries)
		c.clearLocked()
		c.changedLocked(EvictPurged, n)
		c.mu.Unlock()
		return n, nil
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("compile purge pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if matcher.Match(entry.URL) || matcher.Match(key) {
			c.removeLocked(key)
			removed++
		}
	}
	c.changedLocked(EvictPurged, removed)
	return removed, nil
}

// ConditionalHeaders returns If-None-Match / If-Modified-Since for any stored
// entry, fresh or expired.
func (c *Cache) ConditionalHeaders(url string) http.Header {
	entry, ok := c.Peek(url)
	if !ok {
		return make(http.Header)
	}
	return entry.ConditionalHeaders()
}

// ConditionalHeaders builds revalidation headers from the entry's validators.
func (e Entry) ConditionalHeaders() http.Header {
	headers := make(http.Header)
	if e.ETag != "" {
		headers.Set("If-None-Match", e.ETag)
	}
	if e.LastModified != "" {
		headers.Set("If-Modified-Since", e.LastModified)
	}
	return headers
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// MaxEntries returns the capacity bound.
func (c *Cache) MaxEntries() int {
	return c.max
}

func (c *Cache) validLocked(entry *Entry) bool {
	return c.clock.Now().Sub(entry.Timestamp) < c.ttl
}

func (c *Cache) touchLocked(key string) {
	c.counter++
	c.access[key] = c.counter
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	delete(c.access, key)
}

func (c *Cache) changedLocked(reason string, evicted int) {
	if evicted > 0 {
		c.observer.CacheEvicted(reason, evicted)
	}
	c.observer.CacheSize(len(c.entries))
}

func (c *Cache) clearLocked() {
	c.entries = make(map[string]*Entry)
	c.access = make(map[string]uint64)
	c.counter = 0
}

func (c *Cache) lruLocked() (string, bool) {
	var (
		victim string
		lowest uint64
		found  bool
	)
	for key := range c.entries {
		order, ok := c.access[key]
		if !ok {
			continue
		}
		if !found || order < lowest {
			victim, lowest, found = key, order, true
		}
	}
	return victim, found
}
