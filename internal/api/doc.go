// Package api hosts the HTTP server, middleware, and read-only REST handlers
// for price lookups. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/prices/best and /v1/prices/compare for cross-store prices.
//   - GET /v1/products/search for substring lookups.
//   - GET /v1/runs/last for the latest crawl summary per store.
package api
