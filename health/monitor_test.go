package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitorAllHealthy(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("storage", func(context.Context) Status { return Healthy("storage") })
	m.Register("transport", func(context.Context) Status { return Healthy("transport") })

	status := m.Check(context.Background())

	assert.True(t, status.IsHealthy())
	assert.True(t, status.Healthy)
	assert.Equal(t, "sensorhub", status.Component)
	require.Len(t, status.SubStatuses, 2)
	// subsystems report in name order
	assert.Equal(t, "storage", status.SubStatuses[0].Component)
	assert.Equal(t, "transport", status.SubStatuses[1].Component)
}

func TestMonitorNoChecks(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())

	status := m.Check(context.Background())
	assert.True(t, status.IsHealthy())
	assert.Empty(t, status.SubStatuses)
}

func TestMonitorDegradedSubsystem(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("storage", func(context.Context) Status { return Healthy("storage") })
	m.Register("cache", func(context.Context) Status { return Degraded("cache", "reconnecting") })

	status := m.Check(context.Background())

	assert.True(t, status.IsDegraded())
	assert.False(t, status.Healthy)
}

func TestMonitorUnhealthyWinsOverDegraded(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("cache", func(context.Context) Status { return Degraded("cache", "slow") })
	m.Register("storage", func(context.Context) Status { return Unhealthy("storage", "connection refused") })

	status := m.Check(context.Background())

	assert.True(t, status.IsUnhealthy())
	assert.False(t, status.Healthy)
}

func TestMonitorFillsMissingComponentName(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("transport", func(context.Context) Status {
		return Status{Status: StateHealthy, Healthy: true}
	})

	status := m.Check(context.Background())
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "transport", status.SubStatuses[0].Component)
}

func TestHandlerHealthy(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("storage", func(context.Context) Status { return Healthy("storage") })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
}

func TestHandlerUnhealthyReturns503(t *testing.T) {
	m := NewMonitor("sensorhub", quietLogger())
	m.Register("storage", func(context.Context) Status { return Unhealthy("storage", "down") })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
