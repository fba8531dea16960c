// Package app is the composition root: it builds the long-lived services from
// configuration and runs the background sweep that keeps them bounded.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webscrape/internal/api"
	"github.com/JakeFAU/webscrape/internal/cache"
	"github.com/JakeFAU/webscrape/internal/clock/system"
	"github.com/JakeFAU/webscrape/internal/config"
	"github.com/JakeFAU/webscrape/internal/fetch"
	"github.com/JakeFAU/webscrape/internal/id/uuid"
	"github.com/JakeFAU/webscrape/internal/metrics"
	"github.com/JakeFAU/webscrape/internal/ratelimit"
	"github.com/JakeFAU/webscrape/internal/robots"
	"github.com/JakeFAU/webscrape/internal/tools"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	clock     Clock
	transport http.RoundTripper
	version   string
}

// WithClock overrides the clock shared by the cache, robots cache and limiter.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport overrides the round tripper used for page and robots.txt fetches.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// App holds the shared, long-lived services for the process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Cache    *cache.Cache
	Robots   *robots.Checker
	Limiter  *ratelimit.Limiter
	Gateway  *fetch.Gateway
	Registry *tools.Registry
	Server   *api.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds every service from cfg. Nothing is started until Start.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := cache.New(cache.Config{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.Cache.MaxEntries,
		Clock:      o.clock,
		Observer:   metrics.CacheObserver{},
	})

	robotsCfg := robots.Config{
		Respect:   cfg.Robots.Respect,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.RobotsTimeout(),
		Clock:     o.clock,
		Logger:    logger,
	}
	if o.transport != nil {
		robotsCfg.Client = &http.Client{Timeout: cfg.RobotsTimeout(), Transport: o.transport}
	}
	checker := robots.New(robotsCfg)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Fetch.RequestsPerMinute,
		Clock:             o.clock,
	})

	gateway := fetch.New(fetch.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		Timeout:        cfg.RequestTimeout(),
		MaxContentSize: cfg.Fetch.MaxContentSize,
		AllowedHosts:   cfg.Hosts.Allowed,
		BlockedHosts:   cfg.Hosts.Blocked,
		Transport:      o.transport,
	}, store, checker, limiter, logger)

	registry := tools.NewRegistry(tools.Deps{
		Gateway:          gateway,
		Cache:            store,
		Robots:           checker,
		UserAgent:        cfg.Fetch.UserAgent,
		BatchConcurrency: cfg.Batch.Concurrency,
		BatchDelay:       cfg.BatchDelay(),
		Logger:           logger,
	})

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	server := api.NewServer(registry, api.Options{
		Name:    cfg.Telemetry.ServiceName,
		Version: o.version,
		APIKey:  apiKey,
		// Leave headroom over the per-fetch timeout so batch calls can finish.
		RequestTimeout: 6 * cfg.RequestTimeout(),
		IDs:            uuid.New(),
		Logger:         logger,
	})

	return &App{
		cfg:      cfg,
		logger:   logger.Named("app"),
		Cache:    store,
		Robots:   checker,
		Limiter:  limiter,
		Gateway:  gateway,
		Registry: registry,
		Server:   server,
	}
}

// Handler returns the HTTP handler for the API.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Start launches the periodic sweep. A zero cleanup interval disables it.
// Calling Start twice is a no-op.
func (a *App) Start(ctx context.Context) {
	interval := a.cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}(a.done)
	a.logger.Info("cleanup sweep started", zap.Duration("interval", interval))
}

// Stop halts the sweep and waits for it to exit.
func (a *App) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	ExpiredEntries int
	PrunedHosts    int
}

// Sweep evicts expired cache entries and forgets idle limiter buckets.
func (a *App) Sweep() SweepResult {
	expired := a.Cache.Cleanup()
	pruned := a.Limiter.Prune(a.Limiter.Window())

	if expired > 0 || pruned > 0 {
		a.logger.Debug("cleanup sweep",
			zap.Int("expired_entries", expired),
			zap.Int("pruned_hosts", pruned),
		)
	}
	return SweepResult{ExpiredEntries: expired, PrunedHosts: pruned}
}
