// Package metrics exposes Prometheus collectors for the pipeline service.
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
	crawlPagesTotal            *prometheus.CounterVec
	crawlBytesTotal            prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	analysesTotal              *prometheus.CounterVec
	feedFetchesTotal           *prometheus.CounterVec
	watchdogRevertsTotal       *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec

	once sync.Once
)

func init() {
	Init()
}

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fqdnintel_crawl_pages_total",
				Help: "Landing pages fetched, labeled by HTTP status class.",
			},
			[]string{"status_class"},
		)
		crawlBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fqdnintel_crawl_bytes_total",
				Help: "Bytes downloaded by the crawler.",
			},
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
		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fqdnintel_active_workers",
				Help: "Workers currently holding a lease, by stage.",
			},
			[]string{"stage"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fqdnintel_rate_limit_delay_seconds",
				Help:    "Time spent waiting on a rate limiter, by limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)
		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fqdnintel_analyses_total",
				Help: "Analysis calls, labeled by result.",
			},
			[]string{"result"},
		)
		feedFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fqdnintel_feed_fetches_total",
				Help: "Feed fetch cycles, labeled by result.",
			},
			[]string{"result"},
		)
		watchdogRevertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fqdnintel_watchdog_reverts_total",
				Help: "Leases force-cleared by the watchdog, by stage.",
			},
			[]string{"stage"},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fqdnintel_items",
				Help: "Items per status at the last stats refresh.",
			},
			[]string{"status"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups HTTP status codes.
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

// ObserveCrawl records one fetched landing page.
func ObserveCrawl(code int, bytesFetched int) {
	crawlPagesTotal.WithLabelValues(StatusClass(code)).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the busy worker gauge for stage.
func IncActiveWorkers(stage string) {
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the busy worker gauge for stage.
func DecActiveWorkers(stage string) {
	activeWorkers.WithLabelValues(stage).Dec()
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(limiter string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(d.Seconds())
}

// ObserveAnalysis counts one analysis call.
func ObserveAnalysis(result string) {
	analysesTotal.WithLabelValues(result).Inc()
}

// ObserveFeedFetch counts one feed fetch cycle.
func ObserveFeedFetch(result string) {
	feedFetchesTotal.WithLabelValues(result).Inc()
}

// ObserveWatchdogRevert counts one forced reversion.
func ObserveWatchdogRevert(stage string) {
	watchdogRevertsTotal.WithLabelValues(stage).Inc()
}

// SetQueueDepth publishes the per-status item counts.
func SetQueueDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}
