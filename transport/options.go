package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/metric"
)

// settings holds configuration shared by both transport implementations.
type settings struct {
	clientID       string
	username       string
	password       string
	topics         []string
	qos            byte
	reconnectWait  time.Duration
	maxReconnects  int
	connectTimeout time.Duration
	disconnectWait time.Duration
	logger         *slog.Logger
	metrics        *metric.Metrics

	onConnectionLost func(error)
}

func defaultSettings() settings {
	return settings{
		clientID:       "sensorhub",
		topics:         []string{"#"},
		qos:            0,
		reconnectWait:  DefaultReconnectWait,
		maxReconnects:  DefaultMaxReconnects,
		connectTimeout: DefaultConnectTimeout,
		disconnectWait: DefaultDisconnectWait,
		logger:         slog.Default(),
	}
}

// Option is a functional option for configuring a transport
type Option func(*settings) error

// WithClientID sets the client identifier presented to the broker
func WithClientID(id string) Option {
	return func(s *settings) error {
		if id == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Transport", "WithClientID", "client id must not be empty")
		}
		s.clientID = id
		return nil
	}
}

// WithCredentials sets username and password for broker authentication
func WithCredentials(username, password string) Option {
	return func(s *settings) error {
		s.username = username
		s.password = password
		return nil
	}
}

// WithSubscriptions sets the topic filters the transport subscribes to.
// Filters use MQTT wildcard syntax ("sensors/#", "home/+/temp").
func WithSubscriptions(filters ...string) Option {
	return func(s *settings) error {
		if len(filters) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Transport", "WithSubscriptions", "at least one topic filter required")
		}
		for _, f := range filters {
			if f == "" {
				return errors.WrapInvalid(errors.ErrEmptyTopic,
					"Transport", "WithSubscriptions", "empty topic filter")
			}
		}
		s.topics = filters
		return nil
	}
}

// WithQoS sets the MQTT quality of service level for subscriptions and publishes
func WithQoS(qos byte) Option {
	return func(s *settings) error {
		if qos > 2 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Transport", "WithQoS", fmt.Sprintf("invalid qos level %d", qos))
		}
		s.qos = qos
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			d = DefaultReconnectWait
		}
		s.reconnectWait = d
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts
// (-1 for infinite). Once exhausted the transport goes terminally
// disconnected and calls the connection-lost callback.
func WithMaxReconnects(n int) Option {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

// WithConnectTimeout sets the timeout for the initial broker connection
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			d = DefaultConnectTimeout
		}
		s.connectTimeout = d
		return nil
	}
}

// WithLogger sets a custom logger for the transport
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics enables transport metrics collection
func WithMetrics(m *metric.Metrics) Option {
	return func(s *settings) error {
		s.metrics = m // nil disables metrics
		return nil
	}
}

// WithConnectionLostCallback sets a callback for when the connection is
// lost for good (reconnect attempts exhausted)
func WithConnectionLostCallback(fn func(error)) Option {
	return func(s *settings) error {
		s.onConnectionLost = fn
		return nil
	}
}
