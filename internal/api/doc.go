// Package api hosts the HTTP server, middleware, and REST handlers that invoke
// and inspect runs. Notable routes:
//   - POST /v1/runs to execute a run synchronously or queue it.
//   - GET /v1/runs and /v1/runs/{run_id} for the run log.
//   - POST /v1/resolve for a standalone entity resolution pass.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
