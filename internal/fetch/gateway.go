// Package fetch validates, polices, caches, and performs page fetches.
//
// A fetch runs URL validation, the robots check, the content cache, and the per-host
// rate limiter in that order before any network I/O. Conditional requests reuse
// validators from a cached copy even after its TTL has lapsed.
package fetch

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/webscrape/internal/cache"
	"github.com/JakeFAU/webscrape/internal/metrics"
	"github.com/JakeFAU/webscrape/internal/robots"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultMaxContentSize = 5 * 1024 * 1024
	defaultUserAgent      = "webscrape/1.0"
	maxRedirects          = 10

	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguageHeader = "en-US,en;q=0.9"

	outcomeNetwork     = "network"
	outcomeCache       = "cache"
	outcomeRevalidated = "revalidated"
)

// RobotsChecker decides whether a URL may be fetched.
type RobotsChecker interface {
	CheckURLAllowed(ctx context.Context, rawURL string, bypass bool) robots.Result
}

// Limiter hands out per-host fetch budget.
type Limiter interface {
	Allow(host string) (bool, time.Duration)
}

// Config controls gateway behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxContentSize int64
	AllowedHosts   []string
	BlockedHosts   []string
	// Transport overrides the outbound round tripper.
	Transport http.RoundTripper
}

// Options tune a single fetch.
type Options struct {
	BypassRobots bool `json:"bypassRobots,omitempty"`
	ForceRefresh bool `json:"forceRefresh,omitempty"`
}

// Result is a fetched or cached page.
type Result struct {
	Content      string    `json:"content"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	FromCache    bool      `json:"fromCache"`
	CacheHit     bool      `json:"cacheHit"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int       `json:"size"`
}

// Gateway is the single entry point for page retrieval.
type Gateway struct {
	cfg     Config
	policy  HostPolicy
	cache   *cache.Cache
	robots  RobotsChecker
	limiter Limiter
	client  *collyClient
	flight  singleflight.Group
	logger  *zap.Logger
	tracer  trace.Tracer
}

type sharedFetch struct {
	result  Result
	outcome string
}

// New builds a Gateway over the given shared state.
func New(cfg Config, store *cache.Cache, robotsChecker RobotsChecker, limiter Limiter, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = defaultMaxContentSize
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		cfg:     cfg,
		policy:  NewHostPolicy(cfg.AllowedHosts, cfg.BlockedHosts),
		cache:   store,
		robots:  robotsChecker,
		limiter: limiter,
		logger:  logger.Named("fetch"),
		tracer:  otel.Tracer("github.com/JakeFAU/webscrape/internal/fetch"),
	}
	g.client = newCollyClient(collyConfig{
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.Timeout,
		MaxContentSize: cfg.MaxContentSize,
		Transport:      cfg.Transport,
		CheckRedirect:  g.checkRedirect,
	})
	return g
}

// FetchURL returns the page at rawURL from cache or network. Failures are *Error.
func (g *Gateway) FetchURL(ctx context.Context, rawURL string, opts Options) (Result, error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "fetch.FetchURL", trace.WithAttributes(
		attribute.String("url.full", rawURL),
		attribute.Bool("webscrape.bypass_robots", opts.BypassRobots),
		attribute.Bool("webscrape.force_refresh", opts.ForceRefresh),
	))
	defer span.End()

	result, outcome, err := g.fetch(ctx, rawURL, opts)
	if err != nil {
		code := string(CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		metrics.ObserveFetch(metricsSite(rawURL, CodeOf(err)), code, 0, time.Since(start))
		g.logger.Debug("fetch failed", zap.String("url", rawURL), zap.String("code", code), zap.Error(err))
		return Result{}, err
	}

	span.SetAttributes(attribute.String("webscrape.fetch.outcome", outcome))
	networkBytes := 0
	if outcome == outcomeNetwork {
		networkBytes = result.Size
	}
	metrics.ObserveFetch(result.URL, outcome, networkBytes, time.Since(start))
	return result, nil
}

func (g *Gateway) fetch(ctx context.Context, rawURL string, opts Options) (Result, string, error) {
	target, verr := g.validate(rawURL)
	if verr != nil {
		return Result{}, "", verr
	}
	targetURL := target.String()

	decision := g.robots.CheckURLAllowed(ctx, targetURL, opts.BypassRobots)
	if !decision.Allowed {
		return Result{}, "", newError(CodeRobotsDenied, rawURL, http.StatusForbidden, "%s", decision.Reason)
	}

	// Validators are captured before Get, which evicts an expired entry.
	prior, hasPrior := g.cache.Peek(targetURL)
	if !opts.ForceRefresh {
		if entry, ok := g.cache.Get(targetURL); ok {
			g.logger.Debug("serving from cache", zap.String("url", entry.URL))
			return resultFromEntry(entry, true, false), outcomeCache, nil
		}
	}

	host := strings.ToLower(target.Hostname())
	if ok, retryAfter := g.limiter.Allow(host); !ok {
		metrics.ObserveRateLimited(host)
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		rerr := newError(CodeRateLimited, rawURL, http.StatusTooManyRequests,
			"rate limit exceeded for %s; retry after %d seconds", host, seconds)
		rerr.RetryAfter = retryAfter
		return Result{}, "", rerr
	}

	var priorEntry *cache.Entry
	if hasPrior {
		priorEntry = &prior
	}
	shared, err := g.fetchShared(ctx, targetURL, priorEntry)
	if err != nil {
		return Result{}, "", err
	}
	return shared.result, shared.outcome, nil
}

// fetchShared coalesces concurrent network fetches of the same normalized URL.
func (g *Gateway) fetchShared(ctx context.Context, targetURL string, prior *cache.Entry) (sharedFetch, error) {
	ch := g.flight.DoChan(cache.Key(targetURL), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()
		return g.fetchNetwork(fetchCtx, targetURL, prior)
	})

	select {
	case <-ctx.Done():
		return sharedFetch{}, classify(targetURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return sharedFetch{}, res.Err
		}
		shared, ok := res.Val.(sharedFetch)
		if !ok {
			return sharedFetch{}, newError(CodeUnknown, targetURL, 0, "unexpected fetch result %T", res.Val)
		}
		return shared, nil
	}
}

// fetchNetwork performs the conditional GET. prior, when set, supplies validators
// and the content to serve on a 304.
func (g *Gateway) fetchNetwork(ctx context.Context, targetURL string, prior *cache.Entry) (sharedFetch, error) {
	start := time.Now()
	resp, err := g.client.Get(ctx, targetURL, g.requestHeaders(prior), g.checkHeaders)
	if err != nil {
		return sharedFetch{}, err
	}

	if resp.Status == http.StatusNotModified {
		if prior == nil {
			return sharedFetch{}, newError(CodeHTTPError, targetURL, resp.Status, "upstream answered 304 without a cached copy")
		}
		entry, ok := g.cache.Revalidate(targetURL, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))
		if !ok {
			refreshed := *prior
			refreshed.Timestamp = time.Time{}
			entry = g.cache.Set(refreshed)
		}
		g.logger.Debug("revalidated cached page", zap.String("url", entry.URL))
		return sharedFetch{result: resultFromEntry(entry, true, true), outcome: outcomeRevalidated}, nil
	}

	if int64(len(resp.Body)) > g.cfg.MaxContentSize {
		return sharedFetch{}, newError(CodeContentTooLarge, targetURL, http.StatusRequestEntityTooLarge,
			"response body exceeds %d bytes", g.cfg.MaxContentSize)
	}

	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = targetURL
	}
	entry := g.cache.Set(cache.Entry{
		URL:          finalURL,
		Content:      string(resp.Body),
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Size:         len(resp.Body),
	})
	g.logger.Info("fetched page",
		zap.String("url", finalURL),
		zap.Int("status", resp.Status),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", time.Since(start)),
	)
	return sharedFetch{result: resultFromEntry(entry, false, false), outcome: outcomeNetwork}, nil
}

// rejectedSite labels fetch metrics for requests refused before any host was
// contacted, keeping arbitrary caller input out of label values.
const rejectedSite = "rejected"

func metricsSite(rawURL string, code Code) string {
	switch code {
	case CodeInvalidURL, CodeInvalidProtocol, CodeBlockedHost, CodeHostNotAllowed:
		return rejectedSite
	}
	return rawURL
}

func (g *Gateway) validate(rawURL string) (*url.URL, *Error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, newError(CodeInvalidURL, rawURL, 0, "URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() {
		return nil, newError(CodeInvalidURL, rawURL, 0, "could not parse %q as an absolute URL", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newError(CodeInvalidProtocol, rawURL, 0, "protocol %q is not supported; use http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, newError(CodeInvalidURL, rawURL, 0, "URL %q has no host", rawURL)
	}
	host := u.Hostname()
	switch g.policy.Check(host) {
	case CodeBlockedHost:
		return nil, newError(CodeBlockedHost, rawURL, 0, "host %s is blocked", host)
	case CodeHostNotAllowed:
		return nil, newError(CodeHostNotAllowed, rawURL, 0, "host %s is not in the allowed hosts list", host)
	}
	u = u.ResolveReference(&url.URL{})
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

func (g *Gateway) requestHeaders(prior *cache.Entry) http.Header {
	headers := make(http.Header)
	headers.Set("User-Agent", g.cfg.UserAgent)
	headers.Set("Accept", acceptHeader)
	headers.Set("Accept-Language", acceptLanguageHeader)
	if prior != nil {
		for key, values := range prior.ConditionalHeaders() {
			headers[key] = values
		}
	}
	return headers
}

// checkHeaders applies the status, content-type, and declared-size gates.
func (g *Gateway) checkHeaders(status int, header http.Header) *Error {
	if status == http.StatusNotModified {
		return nil
	}
	if status < 200 || status > 299 {
		return newError(CodeHTTPError, "", status, "upstream responded %d %s", status, http.StatusText(status))
	}
	contentType := header.Get("Content-Type")
	if !acceptableContentType(contentType) {
		return newError(CodeUnsupportedContentType, "", http.StatusUnsupportedMediaType,
			"content type %q is not HTML", contentType)
	}
	if declared := header.Get("Content-Length"); declared != "" {
		if n, err := strconv.ParseInt(declared, 10, 64); err == nil && n > g.cfg.MaxContentSize {
			return newError(CodeContentTooLarge, "", http.StatusRequestEntityTooLarge,
				"declared content length %d exceeds %d bytes", n, g.cfg.MaxContentSize)
		}
	}
	return nil
}

// checkRedirect keeps redirects inside the host policy.
func (g *Gateway) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return newError(CodeInvalidProtocol, req.URL.String(), 0, "redirect to unsupported protocol %q", req.URL.Scheme)
	}
	host := req.URL.Hostname()
	switch g.policy.Check(host) {
	case CodeBlockedHost:
		return newError(CodeBlockedHost, req.URL.String(), 0, "redirect to blocked host %s", host)
	case CodeHostNotAllowed:
		return newError(CodeHostNotAllowed, req.URL.String(), 0, "redirect to host %s outside the allowed hosts list", host)
	}
	return nil
}

func acceptableContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

func resultFromEntry(entry cache.Entry, fromCache, cacheHit bool) Result {
	return Result{
		Content:      entry.Content,
		URL:          entry.URL,
		Title:        entry.Title,
		ContentType:  entry.ContentType,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		FromCache:    fromCache,
		CacheHit:     cacheHit,
		Timestamp:    entry.Timestamp,
		Size:         entry.Size,
	}
}
