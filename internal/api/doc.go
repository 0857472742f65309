// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/operations to start tracking a request id, GET /v1/operations[/{id}] to read
//     monitors, POST /v1/operations/{id}/cancel to stop one.
//   - GET /v1/history[/{request_id}] and /v1/history/runs/{id} for persisted run history via
//     the store.OperationRepository interface.
package api
