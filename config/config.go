// Package config loads and validates SensorHub configuration from a JSON
// file with environment variable overrides (SENSORHUB_* prefix).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gridpoint/sensorhub/errors"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "SENSORHUB"

// Broker modes
const (
	ModeEmbedded = "embedded"
	ModeExternal = "external"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full SensorHub configuration
type Config struct {
	Broker    BrokerConfig    `json:"broker"`
	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	WebSocket WebSocketConfig `json:"websocket"`
	Retention RetentionConfig `json:"retention"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
}

// BrokerConfig configures the MQTT transport
type BrokerConfig struct {
	// Mode selects the transport: "embedded" runs an in-process broker,
	// "external" connects to an existing one.
	Mode     string   `json:"mode"`
	URL      string   `json:"url,omitempty"`    // external broker, e.g. "tcp://broker:1883"
	Listen   string   `json:"listen,omitempty"` // embedded listen address, e.g. ":1883"
	ClientID string   `json:"client_id,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	QoS      int      `json:"qos,omitempty"`

	ReconnectWait string `json:"reconnect_wait,omitempty"` // e.g. "2s"
	MaxReconnects int    `json:"max_reconnects,omitempty"` // -1 = infinite
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `json:"driver"`        // "postgres" or "memory"
	URL    string `json:"url,omitempty"` // postgres connection string
}

// CacheConfig configures the optional Redis latest-reading cache
type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // e.g. "localhost:6379"
}

// WebSocketConfig configures the fan-out hub
type WebSocketConfig struct {
	Addr         string `json:"addr"`
	Path         string `json:"path"`
	SnapshotSize int    `json:"snapshot_size,omitempty"`
}

// RetentionConfig configures reading retention
type RetentionConfig struct {
	Days     int    `json:"days"`
	Interval string `json:"interval,omitempty"` // sweep interval, e.g. "1h"
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // "text" or "json"
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Mode:          ModeEmbedded,
			Listen:        ":1883",
			ClientID:      "sensorhub",
			Topics:        []string{"sensors/#", "home/#"},
			ReconnectWait: "2s",
			MaxReconnects: -1,
		},
		Storage: StorageConfig{Driver: DriverMemory},
		WebSocket: WebSocketConfig{
			Addr:         ":8081",
			Path:         "/ws",
			SnapshotSize: 100,
		},
		Retention: RetentionConfig{Days: 30, Interval: "1h"},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON file, applies environment
// overrides and validates the result. An empty path loads defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies SENSORHUB_* environment variables
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "_BROKER_MODE"); val != "" {
		c.Broker.Mode = val
	}
	if val := os.Getenv(EnvPrefix + "_BROKER_URL"); val != "" {
		c.Broker.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_BROKER_LISTEN"); val != "" {
		c.Broker.Listen = val
	}
	if val := os.Getenv(EnvPrefix + "_BROKER_USERNAME"); val != "" {
		c.Broker.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_BROKER_PASSWORD"); val != "" {
		c.Broker.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_BROKER_TOPICS"); val != "" {
		c.Broker.Topics = strings.Split(val, ",")
	}
	if val := os.Getenv(EnvPrefix + "_STORAGE_DRIVER"); val != "" {
		c.Storage.Driver = val
	}
	if val := os.Getenv(EnvPrefix + "_STORAGE_URL"); val != "" {
		c.Storage.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_CACHE_ADDR"); val != "" {
		c.Cache.Enabled = true
		c.Cache.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_WS_ADDR"); val != "" {
		c.WebSocket.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			c.Retention.Days = days
		}
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_ADDR"); val != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case ModeEmbedded:
		if c.Broker.Listen == "" {
			return c.invalid("broker.listen is required in embedded mode")
		}
	case ModeExternal:
		if c.Broker.URL == "" {
			return c.invalid("broker.url is required in external mode")
		}
	default:
		return c.invalid(fmt.Sprintf("unknown broker.mode %q", c.Broker.Mode))
	}

	if len(c.Broker.Topics) == 0 {
		return c.invalid("broker.topics must not be empty")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return c.invalid(fmt.Sprintf("invalid broker.qos %d", c.Broker.QoS))
	}
	if c.Broker.ReconnectWait != "" {
		if _, err := time.ParseDuration(c.Broker.ReconnectWait); err != nil {
			return c.invalid(fmt.Sprintf("invalid broker.reconnect_wait %q", c.Broker.ReconnectWait))
		}
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.URL == "" {
			return c.invalid("storage.url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return c.invalid(fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return c.invalid("cache.addr is required when the cache is enabled")
	}

	if c.WebSocket.Addr == "" {
		return c.invalid("websocket.addr is required")
	}
	if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
		return c.invalid(fmt.Sprintf("invalid websocket.path %q", c.WebSocket.Path))
	}
	if c.WebSocket.SnapshotSize < 0 {
		return c.invalid("websocket.snapshot_size must not be negative")
	}

	if c.Retention.Days < 0 {
		return c.invalid("retention.days must not be negative")
	}
	if c.Retention.Interval != "" {
		if _, err := time.ParseDuration(c.Retention.Interval); err != nil {
			return c.invalid(fmt.Sprintf("invalid retention.interval %q", c.Retention.Interval))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return c.invalid("metrics.addr is required when metrics are enabled")
	}

	return nil
}

func (c *Config) invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// ReconnectWaitDuration returns the parsed reconnect wait
func (c *Config) ReconnectWaitDuration() time.Duration {
	d, err := time.ParseDuration(c.Broker.ReconnectWait)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// RetentionInterval returns the parsed sweep interval
func (c *Config) RetentionInterval() time.Duration {
	d, err := time.ParseDuration(c.Retention.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// String returns an indented JSON representation with credentials masked
func (c *Config) String() string {
	masked := *c
	if masked.Broker.Password != "" {
		masked.Broker.Password = "****"
	}
	if masked.Storage.URL != "" {
		masked.Storage.URL = maskURL(masked.Storage.URL)
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// maskURL hides the userinfo portion of a connection URL
func maskURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "****" + raw[at:]
}
