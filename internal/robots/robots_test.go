package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webscrape/internal/clock/fake"
)

const testAgent = "testbot/1.0"

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newChecker(clk Clock) *Checker {
	return New(Config{
		Respect:   true,
		UserAgent: testAgent,
		Timeout:   time.Second,
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
}

func TestCheck_DisallowRules(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: testbot\nDisallow: /private\n\nUser-agent: *\nDisallow: /\n")
	c := newChecker(nil)

	res := c.Check(context.Background(), srv.URL+"/private/page", testAgent)
	require.False(t, res.Allowed)
	require.Equal(t, srv.URL+"/robots.txt", res.RobotsURL)
	require.Contains(t, res.Reason, "disallowed")

	res = c.Check(context.Background(), srv.URL+"/public", testAgent)
	require.True(t, res.Allowed)

	res = c.Check(context.Background(), srv.URL+"/public", "otherbot")
	require.False(t, res.Allowed, "wildcard group disallows everything for other agents")
}

func TestCheck_NotFoundAllowsAndCaches(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusNotFound, "")
	c := newChecker(nil)

	for i := 0; i < 3; i++ {
		res := c.Check(context.Background(), srv.URL+"/anything", testAgent)
		require.True(t, res.Allowed)
		require.Contains(t, res.Reason, "no robots.txt")
	}
	require.Equal(t, int32(1), hits.Load())
}

func TestCheck_ServerErrorFailsOpen(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusInternalServerError, "boom")
	c := newChecker(nil)

	res := c.Check(context.Background(), srv.URL+"/page", testAgent)
	require.True(t, res.Allowed)
	require.Contains(t, res.Reason, "unavailable")

	c.Check(context.Background(), srv.URL+"/other", testAgent)
	require.Equal(t, int32(1), hits.Load(), "fail-open outcome is cached")
}

func TestCheck_UnreachableFailsOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newChecker(nil)
	res := c.Check(context.Background(), addr+"/page", testAgent)
	require.True(t, res.Allowed)
	require.Equal(t, addr+"/robots.txt", res.RobotsURL)
}

func TestCheck_TimeoutFailsOpen(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(Config{Respect: true, UserAgent: testAgent, Timeout: 50 * time.Millisecond})
	res := c.Check(context.Background(), srv.URL+"/page", testAgent)
	require.True(t, res.Allowed)
}

func TestCheck_CallerCancellationFailsOpen(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(Config{Respect: true, UserAgent: testAgent, Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := c.Check(ctx, srv.URL+"/page", testAgent)
	require.True(t, res.Allowed)
	require.Equal(t, "robots.txt unavailable; allowing access", res.Reason)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 0, c.Stats().Entries, "an abandoned wait caches nothing")
}

func TestCheck_TTLExpiryRefetches(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /x\n")
	clk := fake.New(time.Unix(1_700_000_000, 0))
	c := newChecker(clk)

	c.Check(context.Background(), srv.URL+"/a", testAgent)
	clk.Advance(59 * time.Minute)
	c.Check(context.Background(), srv.URL+"/a", testAgent)
	require.Equal(t, int32(1), hits.Load())

	clk.Advance(time.Minute)
	c.Check(context.Background(), srv.URL+"/a", testAgent)
	require.Equal(t, int32(2), hits.Load())
}

func TestCheck_RespectDisabled(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	c := New(Config{Respect: false, UserAgent: testAgent})

	res := c.Check(context.Background(), srv.URL+"/a", testAgent)
	require.True(t, res.Allowed)
	require.Empty(t, res.RobotsURL)
	require.Zero(t, hits.Load())
}

func TestCheck_InvalidURL(t *testing.T) {
	t.Parallel()

	c := newChecker(nil)
	res := c.Check(context.Background(), "ftp://example.com/file", testAgent)
	require.False(t, res.Allowed)
}

func TestCheckURLAllowed_BypassDoesNoIO(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	c := newChecker(nil)

	for i := 0; i < 3; i++ {
		res := c.CheckURLAllowed(context.Background(), srv.URL+"/blocked", true)
		require.True(t, res.Allowed)
		require.Contains(t, res.Reason, "bypassed")
	}
	require.Zero(t, hits.Load())
	require.Zero(t, c.Stats().Entries)

	res := c.CheckURLAllowed(context.Background(), srv.URL+"/blocked", false)
	require.False(t, res.Allowed)
}

func TestClearAndStats(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusNotFound, "")
	c := newChecker(nil)

	c.Check(context.Background(), srv.URL+"/a", testAgent)
	stats := c.Stats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, []string{srv.URL + "/robots.txt"}, stats.URLs)

	c.Clear()
	require.Zero(t, c.Stats().Entries)

	c.Check(context.Background(), srv.URL+"/a", testAgent)
	require.Equal(t, int32(2), hits.Load())
}
