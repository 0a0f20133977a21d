// Package transport provides MQTT message transports for SensorHub.
//
// Two implementations share the Transport interface: ExternalClient
// connects to an existing broker, EmbeddedBroker runs an in-process
// broker and consumes from it directly. Both filter reserved broker
// topics so internal traffic never reaches the ingestion pipeline.
package transport

import (
	"context"
	"strings"
	"time"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageHandler receives every message accepted by the transport.
// Handlers must not block; long work belongs downstream.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Transport is the broker-facing surface the ingestion pipeline runs on.
type Transport interface {
	// Start establishes the connection (or boots the broker) and begins
	// delivering messages for the configured topic filters.
	Start(ctx context.Context) error

	// Publish sends a payload to a topic. Fails fast when the transport
	// is not connected rather than queueing.
	Publish(ctx context.Context, topic string, payload []byte) error

	// OnMessage registers the message handler. Must be called before Start.
	OnMessage(handler MessageHandler)

	// Status returns the current connection status.
	Status() ConnectionStatus

	// Close shuts the transport down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Reserved reports whether a topic belongs to the broker itself
// ($SYS heartbeats and other $-prefixed topics) and must never be
// treated as sensor traffic.
func Reserved(topic string) bool {
	return strings.HasPrefix(topic, "$")
}

// Connection defaults shared by both transports.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = -1 // infinite
	DefaultDisconnectWait = 250 * time.Millisecond
)
