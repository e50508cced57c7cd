// Package metrics provides Prometheus metrics export for the reply pipeline.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "investd"
	subsystem = "assistant"
)

// Reply outcome labels.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusCanceled     = "canceled"
	StatusCreateFailed = "create_failed"
)

// PrometheusExporter exports pipeline metrics in Prometheus format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Reply metrics
	replyLatency      *prometheus.HistogramVec
	replies           *prometheus.CounterVec
	repliesActive     prometheus.Gauge
	firstChunkLatency prometheus.Histogram

	// Stream metrics
	chunks        *prometheus.CounterVec
	cancellations *prometheus.CounterVec

	// History compression metrics
	summaries      *prometheus.CounterVec
	summaryLatency prometheus.Histogram
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.replyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reply_latency_seconds",
			Help:      "Time from request to fully rendered reply",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"operation"},
	)

	e.replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_total",
			Help:      "Total number of assistant replies by outcome",
		},
		[]string{"operation", "status"},
	)

	e.repliesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_active",
			Help:      "Number of replies currently streaming",
		},
	)

	e.firstChunkLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "first_chunk_latency_seconds",
			Help:      "Time to the first non-noop chunk",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_total",
			Help:      "Classified stream chunks by kind",
		},
		[]string{"kind"},
	)

	e.cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancellations_total",
			Help:      "Class-scoped cancellations that aborted live work",
		},
		[]string{"class"},
	)

	e.summaries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "history_summaries_total",
			Help:      "Background history compressions by outcome",
		},
		[]string{"status"},
	)

	e.summaryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "history_summary_latency_seconds",
			Help:      "Background history compression latency",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	registry.MustRegister(
		e.replyLatency,
		e.replies,
		e.repliesActive,
		e.firstChunkLatency,
		e.chunks,
		e.cancellations,
		e.summaries,
		e.summaryLatency,
	)

	return e
}

// ReplyStarted marks a reply as streaming.
func (e *PrometheusExporter) ReplyStarted() {
	e.repliesActive.Inc()
}

// ReplyFinished records the outcome of a reply.
func (e *PrometheusExporter) ReplyFinished(operation, status string, latency time.Duration) {
	e.repliesActive.Dec()
	e.replies.WithLabelValues(operation, status).Inc()
	e.replyLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordFirstChunk records the time to the first useful chunk.
func (e *PrometheusExporter) RecordFirstChunk(latency time.Duration) {
	e.firstChunkLatency.Observe(latency.Seconds())
}

// RecordChunk counts one classified chunk.
func (e *PrometheusExporter) RecordChunk(kind string) {
	e.chunks.WithLabelValues(kind).Inc()
}

// RecordCancellation counts one class-scoped cancellation.
func (e *PrometheusExporter) RecordCancellation(class string) {
	e.cancellations.WithLabelValues(class).Inc()
}

// RecordSummary records a background history compression.
func (e *PrometheusExporter) RecordSummary(status string, latency time.Duration) {
	e.summaries.WithLabelValues(status).Inc()
	e.summaryLatency.Observe(latency.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}

// ExportText exports counters and gauges in Prometheus text format.
// Histograms are reduced to their sample sum.
func (e *PrometheusExporter) ExportText() (string, error) {
	families, err := e.registry.Gather()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, mf := range families {
		sb.WriteString("# HELP " + mf.GetName() + " " + mf.GetHelp() + "\n")
		sb.WriteString("# TYPE " + mf.GetName() + " " + strings.ToLower(mf.GetType().String()) + "\n")

		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = m.GetHistogram().GetSampleSum()
			default:
				continue
			}

			sb.WriteString(mf.GetName())
			if len(m.GetLabel()) > 0 {
				labels := make([]string, 0, len(m.GetLabel()))
				for _, label := range m.GetLabel() {
					labels = append(labels, label.GetName()+"=\""+label.GetValue()+"\"")
				}
				sort.Strings(labels)
				sb.WriteString("{" + strings.Join(labels, ",") + "}")
			}
			sb.WriteString(" " + strconv.FormatFloat(value, 'f', -1, 64) + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
