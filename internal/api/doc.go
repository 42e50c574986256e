// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/health and /v1/metrics for per-source scraper health.
//   - POST /v1/scrapers/{source}/start and /stop for process control.
//   - GET /v1/listings and /v1/activity for stored data and the shared
//     activity log.
package api
