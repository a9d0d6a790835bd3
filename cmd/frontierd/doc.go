// Package main hosts the crawl frontier daemon.
//
// Architecture overview:
//   - Known-URI registry: every URI the crawl has seen lives in one durable store (memory, Postgres, Redis, or
//     MongoDB). Classify inserts unseen URIs as NEW; ClaimOutdated atomically marks eligible records as in process so
//     that no two schedulers hand out the same seed; Release stamps the crawl time and clears the claim.
//   - Collections: each dispatched seed gets a collection in a namespace derived from its URI. Children appended by
//     crawlers are buffered per seed and written in batches (memory, Postgres, or SQLite). Replay streams the stored
//     children back in insertion order.
//   - Scheduler: internal/frontier.Frontier claims a batch at a rate-limited pace, opens a collection per seed, and
//     publishes a dispatch message (memory, Pub/Sub, or Kafka). Completing a seed drains its collection through a
//     bloom filter into the registry, drops the collection, and releases the seed. A watchdog frees claims that were
//     never completed.
//   - HTTP API: internal/api.Server exposes probes, Prometheus metrics, and the /v1 registry, collection, and seed
//     endpoints for crawler workers.
//
// Quick checklist:
//   - Configure env vars with the FRONTIER_ prefix, e.g. FRONTIER_REGISTRY_BACKEND=postgres, FRONTIER_DB_DSN,
//     FRONTIER_COLLECTOR_BUFFER_SIZE, FRONTIER_PUBLISHER_BACKEND=kafka, FRONTIER_KAFKA_BROKERS.
//   - Run locally: go run ./cmd/frontierd -config config.yaml (or rely solely on env overrides).
//   - Set FRONTIER_FRONTIER_ENABLED=false to serve the API without the scheduling loop.
package main
