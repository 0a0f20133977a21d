package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

// gatheredNames collects the metric family names currently exposed by
// the registry.
func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestRegisterComponentMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "janitor_readings_deleted_total",
		Help: "Readings removed by retention sweeps",
	})
	require.NoError(t, registry.RegisterCounter("janitor", "readings_deleted_total", counter))
	counter.Add(3)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "store_pool_size",
		Help: "Connection pool size",
	})
	require.NoError(t, registry.RegisterGauge("store", "pool_size", gauge))
	gauge.Set(4)

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "store_query_seconds",
		Help:    "Query latency",
		Buckets: prometheus.DefBuckets,
	})
	require.NoError(t, registry.RegisterHistogram("store", "query_seconds", histogram))
	histogram.Observe(0.02)

	names := gatheredNames(t, registry)
	assert.True(t, names["janitor_readings_deleted_total"])
	assert.True(t, names["store_pool_size"])
	assert.True(t, names["store_query_seconds"])
}

func TestRegisterDuplicate(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_total",
		Help: "duplicate",
	})
	require.NoError(t, registry.RegisterCounter("ingest", "dup_total", first))

	// Same component/metric key is rejected by the registry's own
	// bookkeeping.
	err := registry.RegisterCounter("ingest", "dup_total", first)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// A different key but a colliding Prometheus name is rejected by
	// the underlying registry.
	second := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_total",
		Help: "duplicate",
	})
	err = registry.RegisterCounter("fanout", "dup_total", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "short_lived_total",
		Help: "short lived",
	})
	require.NoError(t, registry.RegisterCounter("ingest", "short_lived_total", counter))
	counter.Inc()
	assert.True(t, gatheredNames(t, registry)["short_lived_total"])

	assert.True(t, registry.Unregister("ingest", "short_lived_total"))
	assert.False(t, gatheredNames(t, registry)["short_lived_total"])

	// Unknown keys report false rather than erroring.
	assert.False(t, registry.Unregister("ingest", "short_lived_total"))
	assert.False(t, registry.Unregister("nope", "missing"))
}

func TestRegisterConcurrent(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	const workers = 10
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("worker_%d_total", id),
				Help: "per-worker counter",
			})
			assert.NoError(t, registry.RegisterCounter("worker",
				fmt.Sprintf("worker_%d_total", id), counter))
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, registry)
	for i := 0; i < workers; i++ {
		assert.True(t, names[fmt.Sprintf("worker_%d_total", i)])
	}
}

func TestCoreMetricsExposed(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Vector metrics only appear in Gather once a label combination
	// has been observed.
	core.RecordMessageReceived("ingest", "sensors/room1")
	core.RecordMessageProcessed("ingest", "stored")
	core.RecordMessageDropped("ingest", "malformed")
	core.RecordProcessingDuration("ingest", "persist", 5*time.Millisecond)
	core.RecordError("transport", "publish")
	core.RecordTransportStatus(true)
	core.RecordTransportReconnect()
	core.TimestampFallbacks.Inc()
	core.ObserversConnected.Set(2)
	core.BroadcastsTotal.Inc()

	names := gatheredNames(t, registry)
	for _, want := range []string{
		"sensorhub_messages_received_total",
		"sensorhub_messages_processed_total",
		"sensorhub_messages_dropped_total",
		"sensorhub_processing_duration_seconds",
		"sensorhub_normalize_timestamp_fallbacks_total",
		"sensorhub_errors_total",
		"sensorhub_transport_connected",
		"sensorhub_transport_reconnects_total",
		"sensorhub_fanout_observers_connected",
		"sensorhub_fanout_broadcasts_total",
	} {
		assert.True(t, names[want], "core metric %s should be exposed", want)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().BroadcastsTotal.Inc()

	server := httptest.NewServer(registry.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
