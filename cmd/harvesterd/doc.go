// Package main hosts the harvest service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, per-source metrics, proxy pool
//     status, watchdog results, listing queries, and scraper start/stop endpoints over
//     chi with request-ID, logging, recover, and token-bucket throttle middleware.
//   - Scraper processes: each source runs as its own OS process. The supervisor spawns
//     this same binary with -scrape <source>, tracks pids, and rejects double starts.
//     The watchdog polls per-source health every interval and restarts stuck or failing
//     scrapers with a hard stop, pause, start sequence.
//   - Crawl pipeline: a scrape run fetches listing pages strictly sequentially through
//     the resilient HTTP client (client-wide request spacing, multiplicative retry
//     backoff, rotating proxy pool, browser header shaping), parses them with a
//     configured reference parser (JSON or goquery HTML), dedups against the run's seen
//     set, and persists each page's survivors before advancing the cursor.
//   - Persistence & fanout: listings and crawl sessions are upserted into Postgres via
//     pgx (in-memory stores when no DSN is configured); raw pages are optionally
//     archived to GCS; persisted batches are optionally announced on Pub/Sub. Every
//     component emits activity entries through a non-blocking hub into the durable
//     activity log, Prometheus counters, and zap.
//   - Configuration & plumbing: Viper populates config from env/files with the HARVEST_
//     prefix; zap provides structured logging; Prometheus metrics are exported at
//     /metrics.
//
// Operational notes:
//   - Concurrency model: pages within a run are sequential; per-item detail fetches use
//     a bounded worker pool that deliberately bottlenecks on the shared rate-limited
//     client. Cross-source parallelism is process-per-source, coordinated through the
//     shared activity log and stores.
//   - Observability: the watchdog reconciles per-source metrics from the activity log,
//     so a scraper in another process is observed live without shared memory.
//   - Run locally: go run ./cmd/harvesterd -config config.yaml for the service, or
//     go run ./cmd/harvesterd -config config.yaml -scrape <source> for one crawl.
package main
