package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "storefront_realtime"

// Metrics is a prometheus.Collector for the notification core. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activeConnections prometheus.Gauge
	streamEvents      *prometheus.CounterVec
	writeFailures     prometheus.Counter
	staleEvictions    prometheus.Counter
	longPollWaits     *prometheus.CounterVec
	longPollInflight  prometheus.Gauge
	longPollDuration  prometheus.Histogram
	channelPublishes  *prometheus.CounterVec
	channelReconnects prometheus.Counter
	channelMalformed  prometheus.Counter
}

// NewMetrics returns a new collector.
func NewMetrics() *Metrics {
	return &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "The number of open streaming connections.",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_events_total",
			Help:      "Stream events written, by type.",
		}, []string{"type"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_write_failures_total",
			Help:      "Stream writes that failed and evicted their connection.",
		}),
		staleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_evictions_total",
			Help:      "Connections evicted for missing heartbeats.",
		}),
		longPollWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "longpoll_waits_total",
			Help:      "Completed long-poll requests, by outcome.",
		}, []string{"outcome"}),
		longPollInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "longpoll_inflight",
			Help:      "Long-poll requests currently waiting.",
		}),
		longPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "longpoll_wait_seconds",
			Help:      "Time long-poll requests spent before resolving.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		channelPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_publish_total",
			Help:      "Channel publishes, by result (delivered, degraded or local).",
		}, []string{"result"}),
		channelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_reconnects_total",
			Help:      "Scheduled reconnect attempts of the channel listener.",
		}),
		channelMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_malformed_total",
			Help:      "Channel payloads dropped because they could not be decoded.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.activeConnections.Describe(ch)
	m.streamEvents.Describe(ch)
	m.writeFailures.Describe(ch)
	m.staleEvictions.Describe(ch)
	m.longPollWaits.Describe(ch)
	m.longPollInflight.Describe(ch)
	m.longPollDuration.Describe(ch)
	m.channelPublishes.Describe(ch)
	m.channelReconnects.Describe(ch)
	m.channelMalformed.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.activeConnections.Collect(ch)
	m.streamEvents.Collect(ch)
	m.writeFailures.Collect(ch)
	m.staleEvictions.Collect(ch)
	m.longPollWaits.Collect(ch)
	m.longPollInflight.Collect(ch)
	m.longPollDuration.Collect(ch)
	m.channelPublishes.Collect(ch)
	m.channelReconnects.Collect(ch)
	m.channelMalformed.Collect(ch)
}

func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

func (m *Metrics) ObserveStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *Metrics) ObserveStaleEviction() {
	if m == nil {
		return
	}
	m.staleEvictions.Inc()
}

// LongPollStarted marks a request entering the waiting state.
func (m *Metrics) LongPollStarted() {
	if m == nil {
		return
	}
	m.longPollInflight.Inc()
}

// LongPollFinished records the outcome of a request that entered the waiting state.
func (m *Metrics) LongPollFinished(outcome string, waitedSeconds float64) {
	if m == nil {
		return
	}
	m.longPollInflight.Dec()
	m.longPollDuration.Observe(waitedSeconds)
	m.longPollWaits.WithLabelValues(outcome).Inc()
}

// ObserveLongPollImmediate records a request that resolved without waiting.
func (m *Metrics) ObserveLongPollImmediate(outcome string) {
	if m == nil {
		return
	}
	m.longPollWaits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.channelPublishes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.channelReconnects.Inc()
}

func (m *Metrics) ObserveMalformed() {
	if m == nil {
		return
	}
	m.channelMalformed.Inc()
}
