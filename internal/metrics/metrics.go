// Package metrics exposes Prometheus collectors for the grocery crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	productsTotal              *prometheus.CounterVec
	blocksTotal                *prometheus.CounterVec
	sessionResetsTotal         *prometheus.CounterVec
	flushesTotal               *prometheus.CounterVec
	saveAbortsTotal            prometheus.Counter
	snapshotRecords            prometheus.Gauge
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times and every
// Observe helper calls it, so callers never race an uninitialized collector.
func Init() {
	once.Do(func() {
		productsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grocery_products_total",
				Help: "Products processed, labeled by store and outcome.",
			},
			[]string{"store", "outcome"},
		)

		blocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grocery_blocks_total",
				Help: "Soft blocks detected, labeled by store.",
			},
			[]string{"store"},
		)

		sessionResetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grocery_session_resets_total",
				Help: "Fetch sessions discarded after consecutive blocks, labeled by store.",
			},
			[]string{"store"},
		)

		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grocery_flushes_total",
				Help: "Aggregator flushes, labeled by result.",
			},
			[]string{"result"},
		)

		saveAbortsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grocery_save_aborts_total",
				Help: "Snapshot saves aborted to protect existing records.",
			},
		)

		snapshotRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grocery_snapshot_records",
				Help: "Records in the most recently written snapshot.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grocery_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grocery_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// SanitizeHost extracts a lowercase hostname, or "unknown" when the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveProduct counts one processed product.
func ObserveProduct(store, outcome string) {
	Init()
	productsTotal.WithLabelValues(store, outcome).Inc()
}

// ObserveBlock counts a soft block.
func ObserveBlock(store string) {
	Init()
	blocksTotal.WithLabelValues(store).Inc()
}

// ObserveSessionReset counts a discarded fetch session.
func ObserveSessionReset(store string) {
	Init()
	sessionResetsTotal.WithLabelValues(store).Inc()
}

// ObserveFlush counts an aggregator flush with its result ("ok" or "failed").
func ObserveFlush(result string) {
	Init()
	flushesTotal.WithLabelValues(result).Inc()
}

// ObserveSaveAborted counts an integrity-protected save abort.
func ObserveSaveAborted() {
	Init()
	saveAbortsTotal.Inc()
}

// SetSnapshotRecords records the size of the latest snapshot.
func SetSnapshotRecords(n int) {
	Init()
	snapshotRecords.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
