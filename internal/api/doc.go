// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/projects/{token}/runs for triggering and /v1/runs/... for run
//     inspection, cancellation, refetch, and CSV export.
//   - POST /v1/sessions for paginated scrape sessions.
package api
