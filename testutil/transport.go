// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"sync"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/transport"
)

// MockTransport is an in-memory Transport. Tests inject messages with
// Deliver and inspect what the code under test published.
type MockTransport struct {
	mu       sync.Mutex
	handler  transport.MessageHandler
	status   transport.ConnectionStatus
	started  bool
	closed   bool
	ctx      context.Context
	Messages []PublishedMessage

	// StartErr and PublishErr, when set, are returned by the
	// corresponding methods.
	StartErr   error
	PublishErr error
}

// PublishedMessage records one Publish call
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

var _ transport.Transport = (*MockTransport)(nil)

// NewMockTransport creates a disconnected mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{status: transport.StatusDisconnected}
}

// OnMessage registers the message handler
func (m *MockTransport) OnMessage(handler transport.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Start marks the transport connected
func (m *MockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	if m.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "MockTransport", "Start", "already started")
	}
	m.started = true
	m.status = transport.StatusConnected
	m.ctx = ctx
	return nil
}

// Publish records the message
func (m *MockTransport) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.status != transport.StatusConnected {
		return errors.WrapTransient(errors.ErrTransportUnavailable, "MockTransport", "Publish", "not connected")
	}
	m.Messages = append(m.Messages, PublishedMessage{Topic: topic, Payload: payload})
	return nil
}

// Status returns the current status
func (m *MockTransport) Status() transport.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus overrides the connection status
func (m *MockTransport) SetStatus(status transport.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Close marks the transport closed. Idempotent.
func (m *MockTransport) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.status = transport.StatusDisconnected
	return nil
}

// Closed reports whether Close was called
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Deliver injects a message as if it arrived from the broker. Reserved
// topics are filtered the way real transports filter them.
func (m *MockTransport) Deliver(topic string, payload []byte) {
	if transport.Reserved(topic) {
		return
	}

	m.mu.Lock()
	handler := m.handler
	ctx := m.ctx
	m.mu.Unlock()

	if handler == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	handler(ctx, topic, payload)
}
