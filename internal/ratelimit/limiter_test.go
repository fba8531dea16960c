package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webscrape/internal/clock/fake"
)

func newTestLimiter(perMinute int) (*Limiter, *fake.Clock) {
	clk := fake.New(time.Unix(1_700_000_000, 0))
	return New(Config{RequestsPerMinute: perMinute, Clock: clk}), clk
}

func TestLimiter_RejectsAfterBudget(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("example.com")
		require.True(t, ok, "request %d should pass", i+1)
	}

	ok, retryAfter := l.Allow("example.com")
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, 20*time.Second)
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(1)
	ok, _ := l.Allow("a.example")
	require.True(t, ok)
	ok, _ = l.Allow("a.example")
	require.False(t, ok)

	ok, _ = l.Allow("b.example")
	require.True(t, ok)
}

func TestLimiter_HostIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(1)
	ok, _ := l.Allow("Example.COM")
	require.True(t, ok)
	ok, _ = l.Allow("example.com")
	require.False(t, ok)
}

func TestLimiter_RejectionDoesNotConsume(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(1)
	ok, _ := l.Allow("example.com")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		ok, _ = l.Allow("example.com")
		require.False(t, ok)
	}

	clk.Advance(time.Minute)
	ok, _ = l.Allow("example.com")
	require.True(t, ok, "rejected attempts must not push the refill further out")
}

func TestLimiter_RefillsOverWindow(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(2)
	l.Allow("example.com")
	l.Allow("example.com")

	ok, retryAfter := l.Allow("example.com")
	require.False(t, ok)
	require.InDelta(t, float64(30*time.Second), float64(retryAfter), float64(time.Millisecond))

	clk.Advance(31 * time.Second)
	ok, _ = l.Allow("example.com")
	require.True(t, ok)
}

func TestLimiter_PruneIdleHosts(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(5)
	l.Allow("old.example")
	clk.Advance(2 * time.Minute)
	l.Allow("new.example")

	require.Equal(t, 1, l.Prune(time.Second), "idle is raised to the window")
	require.Equal(t, 1, l.Hosts())

	ok, _ := l.Allow("old.example")
	require.True(t, ok)
}

func TestLimiter_ConcurrentAllowNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(10)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("example.com"); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, granted)
}
