// Package metrics exposes Prometheus collectors for the directory crawler.
package metrics

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlerSeedsTotal             *prometheus.CounterVec
	crawlerTargetsDiscovered      prometheus.Counter
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerFlushesTotal           *prometheus.CounterVec
	crawlerFlushedRecordsTotal    prometheus.Counter
	crawlerSessionsLive           prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerPublishTotal           *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times; the Observe helpers call it
// on first use.
func Init() {
	once.Do(func() {
		crawlerSeedsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_seeds_total",
				Help: "Seeds expanded through their listing page, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerTargetsDiscovered = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_targets_discovered_total",
				Help: "Unique detail targets discovered from listing pages.",
			},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Records produced, labeled by status (ok or error).",
			},
			[]string{"status"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by stage.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		crawlerFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_flushes_total",
				Help: "Batch flushes handed to the sink, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerFlushedRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_flushed_records_total",
				Help: "Records successfully written by the sink.",
			},
		)

		crawlerSessionsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_sessions_live",
				Help: "Browser sessions currently alive in the pool.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a seed or target.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerPublishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_publish_total",
				Help: "Batch notifications published, labeled by status.",
			},
			[]string{"status"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveSeed counts an expanded seed.
func ObserveSeed(ok bool) {
	Init()
	crawlerSeedsTotal.WithLabelValues(status(ok)).Inc()
}

// AddTargetsDiscovered counts newly discovered unique targets.
func AddTargetsDiscovered(n int) {
	Init()
	if n > 0 {
		crawlerTargetsDiscovered.Add(float64(n))
	}
}

// ObserveRecord counts a produced record.
func ObserveRecord(ok bool) {
	Init()
	crawlerRecordsTotal.WithLabelValues(status(ok)).Inc()
}

// ObserveFetch records how long a page load took.
func ObserveFetch(stage string, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveFlush counts a batch flush and, when it succeeded, its records.
func ObserveFlush(ok bool, records int) {
	Init()
	crawlerFlushesTotal.WithLabelValues(status(ok)).Inc()
	if ok && records > 0 {
		crawlerFlushedRecordsTotal.Add(float64(records))
	}
}

// SetSessionsLive reports the number of live pool sessions.
func SetSessionsLive(n int) {
	Init()
	crawlerSessionsLive.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePublish counts a batch notification.
func ObservePublish(ok bool) {
	Init()
	crawlerPublishTotal.WithLabelValues(status(ok)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
