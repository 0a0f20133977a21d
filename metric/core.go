package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Ingestion metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	TimestampFallbacks prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec

	// Transport metrics
	TransportConnected  prometheus.Gauge
	TransportReconnects prometheus.Counter

	// Fan-out metrics
	ObserversConnected prometheus.Gauge
	BroadcastsTotal    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of transport messages received",
			},
			[]string{"component", "topic"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"component", "status"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Messages dropped before persistence",
			},
			[]string{"component", "reason"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sensorhub",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		TimestampFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "normalize",
				Name:      "timestamp_fallbacks_total",
				Help:      "Readings whose event time was substituted with ingestion time",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		TransportConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorhub",
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of transport reconnection attempts",
			},
		),

		ObserversConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorhub",
				Subsystem: "fanout",
				Name:      "observers_connected",
				Help:      "Number of currently connected observers",
			},
		),

		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorhub",
				Subsystem: "fanout",
				Name:      "broadcasts_total",
				Help:      "Total number of readings broadcast to observers",
			},
		),
	}
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(component, topic string) {
	c.MessagesReceived.WithLabelValues(component, topic).Inc()
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(component, status string) {
	c.MessagesProcessed.WithLabelValues(component, status).Inc()
}

// RecordMessageDropped increments dropped message counter
func (c *Metrics) RecordMessageDropped(component, reason string) {
	c.MessagesDropped.WithLabelValues(component, reason).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(component, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordTransportStatus updates transport connection status
func (c *Metrics) RecordTransportStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.TransportConnected.Set(value)
}

// RecordTransportReconnect increments reconnection attempt counter
func (c *Metrics) RecordTransportReconnect() {
	c.TransportReconnects.Inc()
}
