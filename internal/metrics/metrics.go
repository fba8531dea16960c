// Package metrics exposes Prometheus collectors for the fetch gateway.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	cacheEntries               prometheus.Gauge
	cacheEvictionsTotal        *prometheus.CounterVec
	robotsFetchTotal           *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec
	toolCallsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_fetch_total",
				Help: "Total number of fetch requests, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_fetch_bytes_total",
				Help: "Total number of body bytes fetched from the network, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webscrape_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		cacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webscrape_cache_entries",
				Help: "Number of entries currently held by the content cache.",
			},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_cache_evictions_total",
				Help: "Total number of cache entries removed, labeled by reason.",
			},
			[]string{"reason"},
		)

		robotsFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_robots_fetch_total",
				Help: "Total number of robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_rate_limited_total",
				Help: "Total number of fetches rejected by the per-host limiter.",
			},
			[]string{"site"},
		)

		toolCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webscrape_tool_calls_total",
				Help: "Total number of tool invocations, labeled by tool and status.",
			},
			[]string{"tool", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one gateway fetch. bytesFetched counts network body bytes only.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// SetCacheEntries reports the current cache population.
func SetCacheEntries(n int) {
	Init()
	cacheEntries.Set(float64(n))
}

// ObserveCacheEvictions counts removed entries for the given reason (expired, lru, purged).
func ObserveCacheEvictions(reason string, n int) {
	Init()
	if n > 0 {
		cacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// CacheObserver feeds cache evictions and population into the cache collectors.
type CacheObserver struct{}

// CacheEvicted implements cache.Observer.
func (CacheObserver) CacheEvicted(reason string, n int) { ObserveCacheEvictions(reason, n) }

// CacheSize implements cache.Observer.
func (CacheObserver) CacheSize(n int) { SetCacheEntries(n) }

// ObserveRobotsFetch counts a robots.txt retrieval by result (ok, not_found, fail_open).
func ObserveRobotsFetch(result string) {
	Init()
	robotsFetchTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimited counts a limiter rejection.
func ObserveRateLimited(site string) {
	Init()
	rateLimitedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveToolCall counts a tool invocation.
func ObserveToolCall(tool, status string) {
	Init()
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
