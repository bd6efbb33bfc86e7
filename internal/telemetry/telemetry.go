// Package telemetry exposes Prometheus metrics for the monitoring pipeline.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_crawl_targets_total",
			Help: "Total targets processed by crawl runs, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	crawlRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_crawl_runs_total",
			Help: "Total crawl runs, labeled by final status.",
		},
		[]string{"status"},
	)

	snapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_snapshots_total",
			Help: "Total snapshots written to the snapshot store.",
		},
	)

	changeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_change_events_total",
			Help: "Total change events emitted, labeled by kind.",
		},
		[]string{"kind"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_webhook_deliveries_total",
			Help: "Total webhook delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	deliveryDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricewatch_webhook_delivery_duration_seconds",
			Help:    "Histogram of webhook POST latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_rate_limit_delay_seconds",
			Help:    "Histogram of per-origin rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"origin"},
	)

	retentionRowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_retention_rows_dropped_total",
			Help: "Rows removed by retention runs, labeled by table.",
		},
		[]string{"table"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_http_requests_total",
			Help: "Total HTTP requests served, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeOrigin extracts a lowercase hostname for use as a metric label.
func SanitizeOrigin(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveTarget records the outcome of one target within a crawl run.
func ObserveTarget(siteURL string, outcome string) {
	crawlTargetsTotal.WithLabelValues(SanitizeOrigin(siteURL), outcome).Inc()
}

// ObserveRun records the final status of a crawl run.
func ObserveRun(status string) {
	crawlRunsTotal.WithLabelValues(status).Inc()
}

// ObserveSnapshot counts a stored snapshot.
func ObserveSnapshot() {
	snapshotsTotal.Inc()
}

// ObserveChangeEvent counts an emitted change event.
func ObserveChangeEvent(kind string) {
	changeEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveDelivery records one webhook attempt and its latency.
func ObserveDelivery(outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
	deliveryDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(origin string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(origin).Observe(duration.Seconds())
}

// ObserveRetentionDrop records rows removed by a retention run.
func ObserveRetentionDrop(table string, rows int64) {
	if rows > 0 {
		retentionRowsDropped.WithLabelValues(table).Add(float64(rows))
	}
}
