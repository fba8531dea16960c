// Package ratelimit implements per-host token buckets that reject, rather than wait,
// once a host's budget for the window is spent.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the period over which RequestsPerMinute tokens refill.
const DefaultWindow = time.Minute

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
	Window            time.Duration
	Clock             Clock
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-host rate limits. Hosts are created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
	limit    rate.Limit
	burst    int
	window   time.Duration
	clock    Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New creates a new Limiter. A non-positive RequestsPerMinute is treated as 1.
func New(cfg Config) *Limiter {
	perWindow := cfg.RequestsPerMinute
	if perWindow <= 0 {
		perWindow = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clk := cfg.Clock
	if clk == nil {
		clk = wallClock{}
	}
	return &Limiter{
		limiters: make(map[string]*hostLimiter),
		limit:    rate.Every(window / time.Duration(perWindow)),
		burst:    perWindow,
		window:   window,
		clock:    clk,
	}
}

// Allow consumes one token for host. When the bucket is empty it consumes nothing
// and returns how long until a token frees up.
func (l *Limiter) Allow(host string) (bool, time.Duration) {
	host = strings.ToLower(host)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hl, exists := l.limiters[host]
	if !exists {
		hl = &hostLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[host] = hl
	}
	hl.lastSeen = now

	reservation := hl.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops hosts idle for longer than idle and returns how many were removed.
// idle is raised to the window so a pruned host would have refilled anyway.
func (l *Limiter) Prune(idle time.Duration) int {
	if idle < l.window {
		idle = l.window
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for host, hl := range l.limiters {
		if now.Sub(hl.lastSeen) > idle {
			delete(l.limiters, host)
			removed++
		}
	}
	return removed
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Window returns the refill period.
func (l *Limiter) Window() time.Duration {
	return l.window
}
