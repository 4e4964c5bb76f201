// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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

var (
	fetchRequestsTotal         *prometheus.CounterVec
	fetchRetriesTotal          prometheus.Counter
	promotionsTotal            *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	entitiesTotal              *prometheus.CounterVec
	activeEntities             prometheus.Gauge
	pacingDelaySeconds         prometheus.Histogram
	mergeDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldprice_fetch_requests_total",
				Help: "Upstream search requests, labeled by HTTP status code (0 for transport errors).",
			},
			[]string{"code"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "soldprice_fetch_retries_total",
				Help: "Retries issued after transient upstream failures.",
			},
		)

		promotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldprice_headless_promotions_total",
				Help: "Pages re-fetched in headless Chrome, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldprice_pages_total",
				Help: "Search pages processed, labeled by region and outcome.",
			},
			[]string{"region", "outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldprice_records_total",
				Help: "Listing records by pipeline stage (extracted, skipped, rejected, accepted, ingested, stored).",
			},
			[]string{"stage"},
		)

		entitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soldprice_entities_total",
				Help: "Entities processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeEntities = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "soldprice_active_entities",
				Help: "Number of entities currently being ingested.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "soldprice_pacing_delay_seconds",
				Help:    "Histogram of per-worker pacing waits between upstream requests.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
		)

		mergeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soldprice_merge_duration_seconds",
				Help:    "Histogram of store merge latencies, labeled by backend.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one upstream request attempt.
func ObserveFetch(code int) {
	Init()
	fetchRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRetry counts one retry.
func ObserveRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObservePromotion counts one headless re-fetch. outcome is "rendered" or "failed".
func ObservePromotion(outcome string) {
	Init()
	promotionsTotal.WithLabelValues(outcome).Inc()
}

// ObservePage counts one processed page. outcome is "ok", "last" or "failed".
func ObservePage(region, outcome string) {
	Init()
	pagesTotal.WithLabelValues(region, outcome).Inc()
}

// AddRecords adds n records to the given stage counter.
func AddRecords(stage string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveEntity increments the entity counter for the given status.
func ObserveEntity(status string) {
	Init()
	entitiesTotal.WithLabelValues(status).Inc()
}

// IncActiveEntities increments the active entities gauge.
func IncActiveEntities() {
	Init()
	activeEntities.Inc()
}

// DecActiveEntities decrements the active entities gauge.
func DecActiveEntities() {
	Init()
	activeEntities.Dec()
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(duration time.Duration) {
	Init()
	pacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveMerge records how long a store merge took.
func ObserveMerge(backend string, duration time.Duration) {
	Init()
	mergeDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
