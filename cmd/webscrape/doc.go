// Package main hosts the webscrape service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /health, /metrics and a JSON-RPC 2.0 endpoint at /message that
//     lists and calls tools and serves cached pages as cache:// resources.
//   - Fetch pipeline: every fetch is validated against scheme and host policy, checked against robots.txt
//     (failing open when robots.txt is unreachable), answered from the content cache when fresh, admitted by the
//     per-host token bucket, and only then sent to the network through colly. Expired entries are revalidated
//     with If-None-Match / If-Modified-Since.
//   - State: the content cache, robots cache and limiter buckets are in memory and bounded; a periodic sweep
//     evicts expired pages and idle buckets.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported at /metrics; OpenTelemetry spans wrap HTTP requests, fetches and tool calls.
//
// Quick checklist:
//   - Configure env vars: PORT, USER_AGENT, REQUEST_TIMEOUT, RATE_LIMIT_REQUESTS_PER_MINUTE, CACHE_TTL,
//     MAX_CACHE_ENTRIES, RESPECT_ROBOTS, ALLOWED_HOSTS, BLOCKED_HOSTS, or their WEBSCRAPE_-prefixed forms.
//   - Run locally: go run ./cmd/webscrape -config config.yaml (or rely solely on env overrides).
package main
