// Package metrics exposes Prometheus collectors for the frontier service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by the collector.
const (
	DropSerialize   = "serialize"
	DropDuplicate   = "duplicate"
	DropUnknownSeed = "unknown_seed"
	DropFlushError  = "flush_error"
)

// Flush results recorded by the collector.
const (
	FlushOK        = "ok"
	FlushDuplicate = "duplicate"
	FlushError     = "error"
)

var (
	registryClassifyTotal      *prometheus.CounterVec
	registryClaimsTotal        prometheus.Counter
	registryReleasesTotal      prometheus.Counter
	registryStaleReleasesTotal prometheus.Counter
	collectorFlushesTotal      *prometheus.CounterVec
	collectorFlushedRecords    prometheus.Counter
	collectorDroppedTotal      *prometheus.CounterVec
	collectorOpen              prometheus.Gauge
	frontierDispatchTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		registryClassifyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_registry_classify_total",
				Help: "URIs classified against the registry, labeled by result.",
			},
			[]string{"result"},
		)

		registryClaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_registry_claims_total",
				Help: "URIs claimed for crawling.",
			},
		)

		registryReleasesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_registry_releases_total",
				Help: "URIs released after crawling.",
			},
		)

		registryStaleReleasesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_registry_stale_claims_released_total",
				Help: "Claims reset by the claim-age watchdog.",
			},
		)

		collectorFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_collector_flushes_total",
				Help: "Collection buffer flushes, labeled by result.",
			},
			[]string{"result"},
		)

		collectorFlushedRecords = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_collector_flushed_records_total",
				Help: "Records made durable by collection flushes.",
			},
		)

		collectorDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_collector_dropped_records_total",
				Help: "Records dropped by the collector, labeled by reason.",
			},
			[]string{"reason"},
		)

		collectorOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_collector_open_collections",
				Help: "Number of currently open seed collections.",
			},
		)

		frontierDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_dispatch_total",
				Help: "Claimed seeds handed to the dispatch publisher, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClassify counts one classification outcome.
func ObserveClassify(result string) {
	registryClassifyTotal.WithLabelValues(result).Inc()
}

// ObserveClaims counts claimed URIs.
func ObserveClaims(n int) {
	registryClaimsTotal.Add(float64(n))
}

// ObserveRelease counts one released URI.
func ObserveRelease() {
	registryReleasesTotal.Inc()
}

// ObserveStaleReleases counts claims reset by the watchdog.
func ObserveStaleReleases(n int64) {
	registryStaleReleasesTotal.Add(float64(n))
}

// ObserveFlush counts a flush and, on success, the records it persisted.
func ObserveFlush(result string, records int) {
	collectorFlushesTotal.WithLabelValues(result).Inc()
	if result == FlushOK && records > 0 {
		collectorFlushedRecords.Add(float64(records))
	}
}

// ObserveDropped counts records dropped for reason.
func ObserveDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	collectorDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// IncOpenCollections increments the open collections gauge.
func IncOpenCollections() {
	collectorOpen.Inc()
}

// DecOpenCollections decrements the open collections gauge.
func DecOpenCollections() {
	collectorOpen.Dec()
}

// ObserveDispatch counts one dispatch attempt.
func ObserveDispatch(result string) {
	frontierDispatchTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
