// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/discovery/run to trigger a discovery fan-out pass.
//   - /v1/sources/... for inspecting and quarantining scrape targets.
//   - /v1/items/... for enqueueing and inspecting queue items.
package api
