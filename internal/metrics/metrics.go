// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "device_usage"

// Collector owns the metrics registry. It implements usage.Recorder.
type Collector struct {
	registry *prometheus.Registry

	counterResets     *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	mergeUniqueness   prometheus.Histogram
	lowUniqueness     prometheus.Counter
	messagesProcessed *prometheus.CounterVec
	telemetryAnomaly  *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.counterResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_resets_total",
			Help:      "Counter resets applied while computing actual counters",
		},
		[]string{"kind"},
	)

	c.quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Event quota decisions by result",
		},
		[]string{"result"},
	)

	c.mergeUniqueness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_merge_uniqueness_ratio",
			Help:      "Ratio of merged history records to input rows",
			Buckets:   []float64{0.5, 0.75, 0.9, 0.95, 0.99, 1},
		},
	)

	c.lowUniqueness = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_low_uniqueness_total",
			Help:      "History merges whose uniqueness fell under the threshold",
		},
	)

	c.messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Consumed messages by routing key and outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	c.telemetryAnomaly = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_anomalies_total",
			Help:      "Telemetry readings flagged by validation or anomaly detection",
		},
		[]string{"kind"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	reg.MustRegister(
		c.counterResets,
		c.quotaDecisions,
		c.mergeUniqueness,
		c.lowUniqueness,
		c.messagesProcessed,
		c.telemetryAnomaly,
		c.httpRequests,
		c.httpDuration,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CounterReset counts a daily, monthly or billing_day reset
func (c *Collector) CounterReset(kind string) {
	c.counterResets.WithLabelValues(kind).Inc()
}

// QuotaDecision counts an event quota decision
func (c *Collector) QuotaDecision(result string) {
	c.quotaDecisions.WithLabelValues(result).Inc()
}

// MergeUniqueness observes the uniqueness of a history merge
func (c *Collector) MergeUniqueness(ratio float64, low bool) {
	c.mergeUniqueness.Observe(ratio)
	if low {
		c.lowUniqueness.Inc()
	}
}

// MessageProcessed counts a consumed message
func (c *Collector) MessageProcessed(routingKey, outcome string) {
	c.messagesProcessed.WithLabelValues(routingKey, outcome).Inc()
}

// TelemetryAnomaly counts a flagged telemetry reading
func (c *Collector) TelemetryAnomaly(kind string) {
	c.telemetryAnomaly.WithLabelValues(kind).Inc()
}

// HTTPRequest records a served HTTP request
func (c *Collector) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
