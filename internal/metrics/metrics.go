// Package metrics exposes Prometheus collectors for the check loop, alerts and deliveries.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "variation_radar"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Total number of check cycles by outcome.",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of check cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	feedFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "failures_total",
			Help:      "Total number of failed price fetches.",
		},
		[]string{"instrument"},
	)

	lastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_price",
			Help:      "Most recent sampled price.",
		},
		[]string{"instrument"},
	)

	lastVariation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "last_variation_pct",
			Help:      "Most recent period-over-period variation in percent.",
		},
		[]string{"instrument"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "emitted_total",
			Help:      "Total number of threshold crossings.",
		},
		[]string{"instrument", "direction"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Total number of per-recipient message deliveries.",
		},
		[]string{"kind", "success"},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "registered",
			Help:      "Number of registered recipients.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		cycles,
		cycleDuration,
		feedFailures,
		lastPrice,
		lastVariation,
		alerts,
		deliveries,
		subscribers,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCycle records one finished check cycle.
func RecordCycle(duration time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "partial"
	}
	cycles.WithLabelValues(result).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// RecordSkippedCycle counts a cycle skipped because another instance holds the lock.
func RecordSkippedCycle() {
	cycles.WithLabelValues("skipped").Inc()
}

// RecordFeedFailure counts a failed fetch for instrument.
func RecordFeedFailure(instrument string) {
	feedFailures.WithLabelValues(instrument).Inc()
}

// ObservePrice stores the latest price of instrument.
func ObservePrice(instrument string, price float64) {
	lastPrice.WithLabelValues(instrument).Set(price)
}

// ObserveVariation stores the latest variation of instrument.
func ObserveVariation(instrument string, pct float64) {
	lastVariation.WithLabelValues(instrument).Set(pct)
}

// RecordAlert counts a threshold crossing.
func RecordAlert(instrument, direction string) {
	alerts.WithLabelValues(instrument, direction).Inc()
}

// RecordDeliveries counts per-recipient outcomes of one broadcast.
func RecordDeliveries(kind string, succeeded, failed int) {
	deliveries.WithLabelValues(kind, "true").Add(float64(succeeded))
	deliveries.WithLabelValues(kind, "false").Add(float64(failed))
}

// SetSubscribers stores the current subscriber count.
func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// InstrumentHandler wraps the provided handler with HTTP request counting.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses subscriber ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[1] == "subscribers" {
		return "/" + parts[0] + "/subscribers/:id"
	}
	return "/" + trimmed
}
