package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeEmbedded, cfg.Broker.Mode)
	assert.Equal(t, ":1883", cfg.Broker.Listen)
	assert.Equal(t, []string{"sensors/#", "home/#"}, cfg.Broker.Topics)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ":8081", cfg.WebSocket.Addr)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, 100, cfg.WebSocket.SnapshotSize)
	assert.Equal(t, 30, cfg.Retention.Days)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"broker": {
			"mode": "external",
			"url": "tcp://broker.local:1883",
			"client_id": "hub-1",
			"topics": ["sensors/#"],
			"qos": 1
		},
		"storage": {
			"driver": "postgres",
			"url": "postgres://hub:secret@db:5432/sensorhub"
		},
		"retention": {"days": 7, "interval": "30m"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeExternal, cfg.Broker.Mode)
	assert.Equal(t, "tcp://broker.local:1883", cfg.Broker.URL)
	assert.Equal(t, "hub-1", cfg.Broker.ClientID)
	assert.Equal(t, 1, cfg.Broker.QoS)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 7, cfg.Retention.Days)
	assert.Equal(t, 30*time.Minute, cfg.RetentionInterval())

	// unset fields keep defaults
	assert.Equal(t, ":8081", cfg.WebSocket.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadRejectsNonJSONPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only JSON")
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"broker": {`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENSORHUB_BROKER_MODE", "external")
	t.Setenv("SENSORHUB_BROKER_URL", "tcp://env-broker:1883")
	t.Setenv("SENSORHUB_BROKER_TOPICS", "sensors/#,weather/#")
	t.Setenv("SENSORHUB_STORAGE_DRIVER", "postgres")
	t.Setenv("SENSORHUB_STORAGE_URL", "postgres://env@db/sensorhub")
	t.Setenv("SENSORHUB_CACHE_ADDR", "redis:6379")
	t.Setenv("SENSORHUB_RETENTION_DAYS", "14")
	t.Setenv("SENSORHUB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeExternal, cfg.Broker.Mode)
	assert.Equal(t, "tcp://env-broker:1883", cfg.Broker.URL)
	assert.Equal(t, []string{"sensors/#", "weather/#"}, cfg.Broker.Topics)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
	assert.Equal(t, 14, cfg.Retention.Days)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown broker mode",
			mutate:  func(c *Config) { c.Broker.Mode = "bridge" },
			wantErr: "unknown broker.mode",
		},
		{
			name: "external mode requires url",
			mutate: func(c *Config) {
				c.Broker.Mode = ModeExternal
				c.Broker.URL = ""
			},
			wantErr: "broker.url is required",
		},
		{
			name:    "embedded mode requires listen",
			mutate:  func(c *Config) { c.Broker.Listen = "" },
			wantErr: "broker.listen is required",
		},
		{
			name:    "empty topics",
			mutate:  func(c *Config) { c.Broker.Topics = nil },
			wantErr: "broker.topics",
		},
		{
			name:    "qos out of range",
			mutate:  func(c *Config) { c.Broker.QoS = 3 },
			wantErr: "invalid broker.qos",
		},
		{
			name: "postgres requires url",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.URL = ""
			},
			wantErr: "storage.url is required",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: "unknown storage.driver",
		},
		{
			name:    "enabled cache requires addr",
			mutate:  func(c *Config) { c.Cache.Enabled = true },
			wantErr: "cache.addr is required",
		},
		{
			name:    "websocket path must start with slash",
			mutate:  func(c *Config) { c.WebSocket.Path = "ws" },
			wantErr: "invalid websocket.path",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Retention.Days = -1 },
			wantErr: "retention.days",
		},
		{
			name:    "bad retention interval",
			mutate:  func(c *Config) { c.Retention.Interval = "soon" },
			wantErr: "invalid retention.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := Default()
	cfg.Broker.ReconnectWait = ""
	cfg.Retention.Interval = ""

	assert.Equal(t, 2*time.Second, cfg.ReconnectWaitDuration())
	assert.Equal(t, time.Hour, cfg.RetentionInterval())
}

func TestStringMasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.Broker.Password = "hunter2"
	cfg.Storage.Driver = DriverPostgres
	cfg.Storage.URL = "postgres://hub:secret@db:5432/sensorhub"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "secret")
	assert.True(t, strings.Contains(out, "****"))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": [1, {"b": "}{"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1`)))
	assert.Error(t, validateJSONDepth([]byte(`}`)))
}
