// Package robots decides whether a URL may be fetched under its origin's robots.txt.
// Lookups fail open: an unreachable or broken robots.txt never blocks a fetch.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/webscrape/internal/metrics"
)

const (
	// DefaultTTL is how long a parsed robots.txt is reused.
	DefaultTTL = time.Hour
	// DefaultTimeout bounds a single robots.txt fetch.
	DefaultTimeout = 5 * time.Second

	maxRobotsBytes = 1 << 20
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Result is the outcome of a robots check.
type Result struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	RobotsURL string `json:"robotsUrl,omitempty"`
}

// Stats describes the robots cache for diagnostics.
type Stats struct {
	Entries int      `json:"entries"`
	URLs    []string `json:"urls"`
}

// Config wires a Checker.
type Config struct {
	Respect   bool
	UserAgent string
	Timeout   time.Duration
	TTL       time.Duration
	Client    *http.Client
	Clock     Clock
	Logger    *zap.Logger
}

type source int

const (
	sourceFetched source = iota
	sourceNotFound
	sourceUnavailable
)

type cacheEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
	source    source
}

// Checker fetches, parses, and caches robots.txt per origin.
type Checker struct {
	respect   bool
	userAgent string
	timeout   time.Duration
	ttl       time.Duration
	client    *http.Client
	clock     Clock
	logger    *zap.Logger

	mu     sync.Mutex
	cache  map[string]cacheEntry
	flight singleflight.Group
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// allowAll is the empty rule set used for missing or unreachable robots.txt files.
var allowAll, _ = robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)

// New builds a Checker, filling zero-valued fields with defaults.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Checker{
		respect:   cfg.Respect,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		ttl:       cfg.TTL,
		client:    cfg.Client,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("robots"),
		cache:     make(map[string]cacheEntry),
	}
}

// Check evaluates rawURL against its origin's robots.txt for userAgent.
// It never returns an error: fetch problems resolve to allowed.
func (c *Checker) Check(ctx context.Context, rawURL, userAgent string) Result {
	if !c.respect {
		return Result{Allowed: true, Reason: "robots.txt checking is disabled"}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Result{Allowed: false, Reason: "invalid URL; cannot locate robots.txt"}
	}
	if userAgent == "" {
		userAgent = c.userAgent
	}

	robotsURL := RobotsURL(parsed)
	entry := c.load(ctx, robotsURL)

	switch entry.source {
	case sourceNotFound:
		return Result{Allowed: true, Reason: "no robots.txt found; all paths allowed", RobotsURL: robotsURL}
	case sourceUnavailable:
		return Result{Allowed: true, Reason: "robots.txt unavailable; allowing access", RobotsURL: robotsURL}
	}

	if entry.data.TestAgent(parsed.RequestURI(), userAgent) {
		return Result{Allowed: true, Reason: "allowed by robots.txt", RobotsURL: robotsURL}
	}
	return Result{
		Allowed:   false,
		Reason:    fmt.Sprintf("disallowed by robots.txt for user agent %q", userAgent),
		RobotsURL: robotsURL,
	}
}

// CheckURLAllowed checks rawURL with the configured user agent. bypass skips the
// lookup entirely and performs no I/O.
func (c *Checker) CheckURLAllowed(ctx context.Context, rawURL string, bypass bool) Result {
	if bypass {
		return Result{Allowed: true, Reason: "robots.txt check bypassed by request"}
	}
	return c.Check(ctx, rawURL, c.userAgent)
}

// Clear drops every cached robots.txt.
func (c *Checker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// Stats lists the cached robots.txt URLs.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	urls := make([]string, 0, len(c.cache))
	for robotsURL := range c.cache {
		urls = append(urls, robotsURL)
	}
	c.mu.Unlock()

	sort.Strings(urls)
	return Stats{Entries: len(urls), URLs: urls}
}

// RobotsURL returns <scheme>://<host>/robots.txt for u.
func RobotsURL(u *url.URL) string {
	robotsURL := url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host), Path: "/robots.txt"}
	return robotsURL.String()
}

func (c *Checker) load(ctx context.Context, robotsURL string) cacheEntry {
	now := c.clock.Now()
	c.mu.Lock()
	entry, ok := c.cache[robotsURL]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry
	}

	// The fetch outlives any single caller so coalesced waiters are not cancelled
	// together. A caller that gives up fails open without caching anything.
	ch := c.flight.DoChan(robotsURL, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		fresh := c.fetch(fetchCtx, robotsURL)
		fresh.fetchedAt = c.clock.Now()
		c.mu.Lock()
		c.cache[robotsURL] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		c.logger.Debug("robots wait abandoned; allowing access",
			zap.String("robots_url", robotsURL), zap.Error(ctx.Err()))
		return cacheEntry{data: allowAll, source: sourceUnavailable}
	case res := <-ch:
		fresh, _ := res.Val.(cacheEntry)
		return fresh
	}
}

func (c *Checker) fetch(ctx context.Context, robotsURL string) cacheEntry {
	data, status, err := c.get(ctx, robotsURL)
	switch {
	case err != nil:
		c.logger.Warn("robots fetch failed; allowing access", zap.String("robots_url", robotsURL), zap.Error(err))
		metrics.ObserveRobotsFetch("fail_open")
		return cacheEntry{data: allowAll, source: sourceUnavailable}
	case status == http.StatusNotFound:
		metrics.ObserveRobotsFetch("not_found")
		return cacheEntry{data: allowAll, source: sourceNotFound}
	case status < 200 || status > 299:
		c.logger.Warn("robots fetch returned non-success status; allowing access",
			zap.String("robots_url", robotsURL), zap.Int("status", status))
		metrics.ObserveRobotsFetch("fail_open")
		return cacheEntry{data: allowAll, source: sourceUnavailable}
	}

	parsed, err := robotstxt.FromBytes(data)
	if err != nil {
		c.logger.Warn("robots parse failed; allowing access", zap.String("robots_url", robotsURL), zap.Error(err))
		metrics.ObserveRobotsFetch("fail_open")
		return cacheEntry{data: allowAll, source: sourceUnavailable}
	}
	metrics.ObserveRobotsFetch("ok")
	return cacheEntry{data: parsed, source: sourceFetched}
}

func (c *Checker) get(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read robots body: %w", err)
	}
	return body, resp.StatusCode, nil
}
