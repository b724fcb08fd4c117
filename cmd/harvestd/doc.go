// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and the dashboard surface under /v1. Triggers are
//     idempotent per project: an active run is returned instead of starting a duplicate, and fresh runs are persisted
//     via the RunStore before being enqueued for polling.
//   - Queue & scheduler: capture tasks flow through a bounded in-memory queue (or Pub/Sub for multi-instance
//     deployments) and are consumed by internal/scheduler, which also drives cron entries for catalog sync, daily
//     metric rollups, optional recovery sweeps, and the resume pass that re-attaches runs orphaned by a restart.
//   - Poll pipeline: internal/poller owns one goroutine per tracked run and applies sequence-guarded status
//     observations to the store. The moment a run completes, the capture service downloads its payload (CSV first,
//     JSON fallback), normalizes it into records, archives the raw bytes to the configured blob store, and persists
//     records plus the captured flag in a single transaction — racing the upstream platform's output purge window.
//   - Recovery: internal/recovery sweeps a project's historical runs newest to oldest and salvages whatever payloads
//     the upstream still has, marking the rest purged so the dashboard distinguishes "captured" from "lost".
//   - Configuration & plumbing: Viper populates config from env/files (HARVEST_ prefix, optional .env via godotenv);
//     zap provides structured logging; Prometheus metrics are exported via middleware and the /metrics handler;
//     OpenTelemetry tracing exports to Cloud Trace when enabled. Postgres is the production store, with SQLite and
//     in-memory providers for single-node and test deployments.
//
// Operational notes:
//   - Concurrency model: one independently cancellable poll loop per active run; the store is the only shared
//     mutable state and serializes writes per run row. Shutdown is coordinated via context cancellation from main
//     through the scheduler and poll manager.
//   - Timeouts: status polls and data fetches carry their own per-call timeouts (5s/15s defaults) under the per-run
//     polling budget, so one slow upstream call cannot stall a loop's clock.
//   - Observability: zap logs carry run and project tokens at every transition; Prometheus counters/histograms track
//     upstream calls, poll ticks, captures, and recovery outcomes; the progress hub batches run lifecycle events to
//     log, Prometheus, and activity-store sinks for the dashboard timeline.
//
// Quick checklist:
//   - Configure env vars: HARVEST_UPSTREAM_API_KEY (required), HARVEST_SERVER_PORT, HARVEST_DATABASE_PROVIDER and
//     DSN/path, HARVEST_ARTIFACTS_PROVIDER, queue and events providers when Pub/Sub is in play.
//   - Run locally: go run ./cmd/harvestd -config config.yaml (or rely solely on env overrides).
package main
