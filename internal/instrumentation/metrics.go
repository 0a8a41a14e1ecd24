package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the order-flow engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesTotal     *prometheus.CounterVec
	ParseErrorsTotal  *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	DepthApplyMs      prometheus.Histogram
	GapsTotal         prometheus.Counter
	AlertsTotal       *prometheus.CounterVec
	PublishErrors     prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_stream_messages_total",
			Help: "Total number of frames received by channel",
		}, []string{"channel"}),

		ParseErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_stream_parse_errors_total",
			Help: "Total number of frames dropped because they could not be parsed",
		}, []string{"channel"}),

		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_stream_reconnects_total",
			Help: "Total number of scheduled reconnects by channel",
		}, []string{"channel"}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_stream_active_connections",
			Help: "Number of (symbol, channel) connections held by the registry",
		}),

		DepthApplyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_depth_apply_ms",
			Help:    "Time to apply a depth diff and run wall detection in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		GapsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_book_gaps_total",
			Help: "Total number of update id gaps seen on the depth stream",
		}),

		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_alerts_total",
			Help: "Total number of wall alerts by kind and side",
		}, []string{"kind", "side"}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_publish_errors_total",
			Help: "Total number of failed snapshot publishes",
		}),
	}
}

func (m *Metrics) RecordMessage(channel string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordParseError(channel string) {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordReconnect(channel string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(channel).Inc()
}

// SetActiveConnections records the registry size
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// RecordDepthApply records how long one diff took to process
func (m *Metrics) RecordDepthApply(latencyMs float64) {
	if m == nil {
		return
	}
	m.DepthApplyMs.Observe(latencyMs)
}

func (m *Metrics) RecordGap() {
	if m == nil {
		return
	}
	m.GapsTotal.Inc()
}

func (m *Metrics) RecordAlert(kind, side string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind, side).Inc()
}

func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}
