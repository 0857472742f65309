// Package main hosts the opwatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, monitor management and run history endpoints. Start
//     requests are validated and handed to the monitor registry, which refuses duplicates of an active request id
//     and enforces monitor.max_monitors.
//   - Monitors: each internal/monitor.Monitor polls one request id through the configured StatusSource (the Ambari
//     REST API, or a simulated source for demos). Fetches are rate limited and retried per the retry policy; every
//     accepted batch is folded by internal/aggregate into a percentage, a state and per-host progress.
//   - Persistence & fanout: lifecycle events flow through the progress Hub to the history store (Postgres or memory),
//     zap logs, Prometheus collectors and an optional Pub/Sub topic. Succeeded and failed runs get a JSON report in the
//     configured BlobStore (memory/local/GCS).
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Concurrency model: one goroutine per monitor plus one watcher per monitor in the registry. Shutdown cancels
//     every monitor before the progress Hub drains, so terminal events reach the sinks.
//   - Finished monitors are pruned from memory after monitor.prune_after; their history stays in the store.
//   - Health endpoints (/healthz, /readyz) stay lightweight; /readyz pings Postgres when a DSN is configured.
//
// Quick checklist:
//   - Configure env vars: OPWATCH_SERVER_PORT, OPWATCH_AMBARI_BASE_URL, OPWATCH_AMBARI_CLUSTER, credentials,
//     OPWATCH_MONITOR_* for cadence and limits, storage (OPWATCH_STORAGE_*), pubsub and OPWATCH_DATABASE_DSN.
//   - Run locally: go run ./cmd/opwatch serve --config config.yaml, or follow one request with
//     go run ./cmd/opwatch watch --request-id 42.
//   - Demo without a server: OPWATCH_SOURCE_BACKEND=memory go run ./cmd/opwatch watch --request-id 1.
package main
