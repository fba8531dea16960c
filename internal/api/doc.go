// Package api hosts the HTTP server and middleware for the fetch service.
// Notable routes:
//   - GET /health for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /message for JSON-RPC 2.0 calls: initialize, ping, tools/list,
//     tools/call, resources/list and resources/read.
package api
