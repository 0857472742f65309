// Package metrics exposes process-wide Prometheus collectors for the opwatch service:
// API traffic, upstream status fetches, and rate limiter waits. Per-run outcome metrics
// are owned by the progress Prometheus sink.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sourceRequestsTotal        *prometheus.CounterVec
	sourceRequestSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	activeMonitors             prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opwatch_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opwatch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opwatch_source_requests_total",
				Help: "Status requests sent to the orchestration server, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		sourceRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opwatch_source_request_duration_seconds",
				Help:    "Latency of single status requests, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opwatch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		activeMonitors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "opwatch_active_monitors",
				Help: "Monitors currently registered and polling.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL or host string.
// It returns "unknown" if the input is invalid.
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSourceRequest records one status request. outcome is an HTTP status class such
// as "2xx", or "error" when no response arrived.
func ObserveSourceRequest(host, outcome string, duration time.Duration) {
	Init()
	host = SanitizeHost(host)
	sourceRequestsTotal.WithLabelValues(host, outcome).Inc()
	sourceRequestSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// StatusClass maps an HTTP status code to its class label.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// IncActiveMonitors increments the active monitors gauge.
func IncActiveMonitors() {
	Init()
	activeMonitors.Inc()
}

// DecActiveMonitors decrements the active monitors gauge.
func DecActiveMonitors() {
	Init()
	activeMonitors.Dec()
}
