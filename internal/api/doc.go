// Package api hosts the HTTP server, middleware, and REST handlers for operator
// and crawler access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/uris/... to classify, claim, and release known URIs.
//   - POST /v1/collections/... to open, append to, and close seed collections;
//     GET /v1/collections/replay streams a collection as NDJSON.
//   - POST /v1/seeds/complete to fold a finished seed back into the registry.
package api
