package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webscrape/internal/clock/fake"
	contenthash "github.com/JakeFAU/webscrape/internal/hash/sha256"
)

func newTestCache(maxEntries int, ttl time.Duration) (*Cache, *fake.Clock) {
	clk := fake.New(time.Unix(1_700_000_000, 0))
	return New(Config{TTL: ttl, MaxEntries: maxEntries, Clock: clk}), clk
}

func page(url, content string) Entry {
	return Entry{URL: url, Content: content, ContentType: "text/html"}
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Hour)
	c.Set(page("https://example.com/a", "<p>hello</p>"))

	got, ok := c.Get("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "<p>hello</p>", got.Content)
	require.Equal(t, len("<p>hello</p>"), got.Size)
	require.Equal(t, clk.Now(), got.Timestamp)
	require.Equal(t, contenthash.Hex("<p>hello</p>"), got.Hash)
}

func TestCache_KeyNormalization(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(10, time.Hour)
	c.Set(page("HTTPS://Example.COM:443/a?b=2&a=1#frag", "x"))

	require.True(t, c.Has("https://example.com/a?a=1&b=2"))
	require.Equal(t, "https://example.com/", Key("https://example.com"))
	require.Equal(t, "not a url", Key("not a url"))
	require.Equal(t, "http://example.test/b", Key("http://example.test/a/../b"))
	require.Equal(t, "http://example.test/a/b?x=1", Key("http://example.test/./a/./b?x=1"))
	require.Equal(t, Key("http://example.test/b"), Key("http://example.test/a/../b"))
}

func TestCache_TTLExpiryEvictsOnGet(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Minute)
	c.Set(page("https://example.com/a", "x"))

	clk.Advance(59 * time.Second)
	require.True(t, c.Has("https://example.com/a"))

	clk.Advance(time.Second)
	require.False(t, c.Has("https://example.com/a"), "entry must be stale once age == ttl")
	require.Equal(t, 1, c.Len(), "Has must not evict")

	_, ok := c.Get("https://example.com/a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len(), "Get evicts expired entries")
}

func TestCache_LRUBoundEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(2, time.Hour)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))

	_, ok := c.Get("https://example.com/a")
	require.True(t, ok)

	c.Set(page("https://example.com/c", "c"))

	require.Equal(t, 2, c.Len())
	require.True(t, c.Has("https://example.com/a"))
	require.False(t, c.Has("https://example.com/b"))
	require.True(t, c.Has("https://example.com/c"))
}

func TestCache_HasDoesNotPromote(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(2, time.Hour)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))

	require.True(t, c.Has("https://example.com/a"))
	c.Set(page("https://example.com/c", "c"))

	require.False(t, c.Has("https://example.com/a"))
	require.True(t, c.Has("https://example.com/b"))
}

func TestCache_OverwriteAtCapacityKeepsOthers(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(2, time.Hour)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))
	c.Set(page("https://example.com/a", "a2"))

	require.Equal(t, 2, c.Len())
	got, ok := c.Get("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "a2", got.Content)
	require.True(t, c.Has("https://example.com/b"))
}

func TestCache_SingleSlotKeepsSecondURL(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(1, time.Hour)
	c.Set(page("http://example.test/a", "a"))
	c.Set(page("http://example.test/b", "b"))

	all := c.All()
	require.Len(t, all, 1)
	require.Equal(t, "http://example.test/b", all[0].URL)
}

func TestCache_NeverExceedsBound(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(5, time.Hour)
	for i := 0; i < 50; i++ {
		c.Set(page(fmt.Sprintf("https://example.com/%d", i), "x"))
		require.LessOrEqual(t, c.Len(), 5)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(10, time.Hour)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))

	require.True(t, c.Delete("https://example.com/a"))
	require.False(t, c.Delete("https://example.com/a"))

	c.Clear()
	require.Equal(t, 0, c.Len())
	require.Equal(t, uint64(0), c.counter)
}

func TestCache_AllAndStatsSkipExpiredWithoutEvicting(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Minute)
	c.Set(page("https://example.com/old", "old"))
	clk.Advance(30 * time.Second)
	c.Set(page("https://example.com/new", "newer"))
	clk.Advance(45 * time.Second)

	all := c.All()
	require.Len(t, all, 1)
	require.Equal(t, "https://example.com/new", all[0].URL)
	require.Equal(t, 2, c.Len())

	stats := c.Stats()
	require.Equal(t, 1, stats.TotalEntries)
	require.Equal(t, int64(len("newer")), stats.TotalSize)
	require.NotNil(t, stats.OldestEntry)
	require.Equal(t, *stats.OldestEntry, *stats.NewestEntry)
}

func TestCache_StatsEmpty(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(10, time.Minute)
	stats := c.Stats()
	require.Zero(t, stats.TotalEntries)
	require.Nil(t, stats.OldestEntry)
	require.Nil(t, stats.NewestEntry)
}

func TestCache_CleanupRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Minute)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))
	clk.Advance(2 * time.Minute)
	c.Set(page("https://example.com/c", "c"))

	require.Equal(t, 2, c.Cleanup())
	require.Equal(t, 1, c.Len())
	require.Equal(t, 0, c.Cleanup())
}

func TestCache_ConditionalHeadersIgnoreTTL(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Minute)
	entry := page("https://example.com/a", "a")
	entry.ETag = `"v1"`
	entry.LastModified = "Wed, 21 Oct 2015 07:28:00 GMT"
	c.Set(entry)
	clk.Advance(time.Hour)

	headers := c.ConditionalHeaders("https://example.com/a")
	require.Equal(t, `"v1"`, headers.Get("If-None-Match"))
	require.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", headers.Get("If-Modified-Since"))

	require.Empty(t, c.ConditionalHeaders("https://example.com/missing"))
}

func TestCache_RevalidateRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(10, time.Minute)
	entry := page("https://example.com/a", "a")
	entry.ETag = `"v1"`
	c.Set(entry)
	clk.Advance(2 * time.Minute)
	require.False(t, c.Has("https://example.com/a"))

	refreshed, ok := c.Revalidate("https://example.com/a", `"v2"`, "")
	require.True(t, ok)
	require.Equal(t, clk.Now(), refreshed.Timestamp)
	require.Equal(t, `"v2"`, refreshed.ETag)
	require.Equal(t, "a", refreshed.Content)
	require.True(t, c.Has("https://example.com/a"))

	_, ok = c.Revalidate("https://example.com/missing", "", "")
	require.False(t, ok)
}

func TestCache_UpdateMetadata(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(10, time.Hour)
	c.Set(page("https://example.com/a", "a"))

	require.True(t, c.UpdateMetadata("https://example.com/a", "Title", "Ada"))
	got, ok := c.Get("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "Title", got.Title)
	require.Equal(t, "Ada", got.Author)
	require.False(t, c.UpdateMetadata("https://example.com/none", "x", ""))
}

func TestCache_PurgeByPattern(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(10, time.Hour)
	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))
	c.Set(page("https://other.org/a", "a"))

	n, err := c.Purge("https://example.com/*")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, c.Has("https://other.org/a"))

	n, err = c.Purge("")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, c.Len())
}

type recordingObserver struct {
	evicted map[string]int
	sizes   []int
}

func (r *recordingObserver) CacheEvicted(reason string, n int) {
	if r.evicted == nil {
		r.evicted = make(map[string]int)
	}
	r.evicted[reason] += n
}

func (r *recordingObserver) CacheSize(n int) { r.sizes = append(r.sizes, n) }

func (r *recordingObserver) lastSize() int { return r.sizes[len(r.sizes)-1] }

func TestCache_ObserverSeesEveryEviction(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	clk := fake.New(time.Unix(1_700_000_000, 0))
	c := New(Config{TTL: time.Minute, MaxEntries: 2, Clock: clk, Observer: obs})

	c.Set(page("https://example.com/a", "a"))
	c.Set(page("https://example.com/b", "b"))
	c.Set(page("https://example.com/c", "c"))
	require.Equal(t, 1, obs.evicted[EvictLRU])
	require.Equal(t, 2, obs.lastSize())

	clk.Advance(time.Minute)
	_, ok := c.Get("https://example.com/b")
	require.False(t, ok)
	require.Equal(t, 1, obs.evicted[EvictExpired])
	require.Equal(t, 1, obs.lastSize())

	require.Equal(t, 1, c.Cleanup())
	require.Equal(t, 2, obs.evicted[EvictExpired])
	require.Equal(t, 0, obs.lastSize())

	c.Set(page("https://example.com/d", "d"))
	c.Set(page("https://other.example/e", "e"))
	n, err := c.Purge("https://example.com/*")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, obs.evicted[EvictPurged])
	require.Equal(t, 1, obs.lastSize())

	n, err = c.Purge("")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, obs.evicted[EvictPurged])
	require.Equal(t, 0, obs.lastSize())
	require.Equal(t, 1, obs.evicted[EvictLRU], "overwrites below capacity never evict")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(8, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				url := fmt.Sprintf("https://example.com/%d", (i*j)%20)
				c.Set(page(url, "x"))
				c.Get(url)
				c.Has(url)
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 8)
}
