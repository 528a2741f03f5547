package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-rpc/messaging"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "mmate_rpc"

// PrometheusCollector implements messaging.MetricsCollector with Prometheus
// counters, histograms and a gauge
type PrometheusCollector struct {
	requests    *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	dropped     *prometheus.CounterVec
	handled     *prometheus.CounterVec
	handleTime  *prometheus.HistogramVec
	pending     prometheus.Gauge
}

// CollectorOption configures a PrometheusCollector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace   string
	constLabels prometheus.Labels
	buckets     []float64
}

// WithNamespace sets the metric namespace
func WithNamespace(namespace string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithConstLabels attaches labels to every metric, e.g. the service name
func WithConstLabels(labels prometheus.Labels) CollectorOption {
	return func(c *collectorConfig) {
		c.constLabels = labels
	}
}

// WithBuckets sets the latency histogram buckets in seconds
func WithBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// NewPrometheusCollector creates the metrics and registers them with reg
func NewPrometheusCollector(reg prometheus.Registerer, opts ...CollectorOption) (*PrometheusCollector, error) {
	cfg := &collectorConfig{
		namespace: DefaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &PrometheusCollector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "requests_total",
			Help:        "Requests published, by pattern.",
			ConstLabels: cfg.constLabels,
		}, []string{"pattern"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "resolutions_total",
			Help:        "Completed requests, by pattern and outcome.",
			ConstLabels: cfg.constLabels,
		}, []string{"pattern", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "request_duration_seconds",
			Help:        "Time from publish to resolution, by pattern and outcome.",
			ConstLabels: cfg.constLabels,
			Buckets:     cfg.buckets,
		}, []string{"pattern", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "dropped_replies_total",
			Help:        "Replies that matched no pending request, by reason.",
			ConstLabels: cfg.constLabels,
		}, []string{"reason"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "handled_total",
			Help:        "Requests answered by listeners, by pattern and success.",
			ConstLabels: cfg.constLabels,
		}, []string{"pattern", "success"}),
		handleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "handle_duration_seconds",
			Help:        "Time from delivery to answer, by pattern.",
			ConstLabels: cfg.constLabels,
			Buckets:     cfg.buckets,
		}, []string{"pattern"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Name:        "pending_requests",
			Help:        "Requests waiting for a reply.",
			ConstLabels: cfg.constLabels,
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.requests, c.resolutions, c.latency, c.dropped, c.handled, c.handleTime, c.pending,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordRequest implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRequest(pattern string) {
	c.requests.WithLabelValues(pattern).Inc()
}

// RecordResolution implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordResolution(pattern string, outcome messaging.Outcome, duration time.Duration) {
	c.resolutions.WithLabelValues(pattern, string(outcome)).Inc()
	c.latency.WithLabelValues(pattern, string(outcome)).Observe(duration.Seconds())
}

// RecordDroppedReply implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDroppedReply(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// RecordHandled implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordHandled(pattern string, success bool, duration time.Duration) {
	c.handled.WithLabelValues(pattern, strconv.FormatBool(success)).Inc()
	c.handleTime.WithLabelValues(pattern).Observe(duration.Seconds())
}

// SetPending implements messaging.MetricsCollector
func (c *PrometheusCollector) SetPending(n int) {
	c.pending.Set(float64(n))
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
