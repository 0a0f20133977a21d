package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, Healthy("storage").IsHealthy())
	assert.True(t, Degraded("cache", "").IsDegraded())
	assert.True(t, Unhealthy("transport", "").IsUnhealthy())

	assert.True(t, Healthy("storage").Healthy)
	assert.False(t, Degraded("cache", "").Healthy)
	assert.False(t, Unhealthy("transport", "").Healthy)
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		excludes string
	}{
		{
			name:     "connection url",
			input:    "dial tcp://broker.internal:1883: refused",
			contains: "[URL]",
			excludes: "broker.internal",
		},
		{
			name:     "postgres url",
			input:    "connect postgres://hub:secret@db:5432/sensorhub failed",
			contains: "[URL]",
			excludes: "secret",
		},
		{
			name:     "ip address",
			input:    "no route to 192.168.1.50",
			contains: "[IP]",
			excludes: "192.168.1.50",
		},
		{
			name:     "file path",
			input:    "open /etc/sensorhub/config.json: permission denied",
			contains: "[PATH]",
			excludes: "/etc/sensorhub",
		},
		{
			name:     "credential pair",
			input:    "auth failed password=hunter2",
			contains: "[REDACTED]",
			excludes: "hunter2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeMessage(tt.input)
			assert.Contains(t, got, tt.contains)
			assert.NotContains(t, got, tt.excludes)
		})
	}
}

func TestSanitizeMessageEmpty(t *testing.T) {
	assert.Equal(t, "", sanitizeMessage(""))
}
