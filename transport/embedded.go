package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/gridpoint/sensorhub/errors"
)

// EmbeddedBroker runs an in-process MQTT broker and consumes from it
// through an inline client, so devices connect straight to SensorHub
// with no external broker to operate. There is no connection to lose;
// the broker is either serving or closed.
type EmbeddedBroker struct {
	addr     string
	settings settings

	status  atomic.Value // stores ConnectionStatus
	handler MessageHandler

	server *mqttserver.Server

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

var _ Transport = (*EmbeddedBroker)(nil)

// NewEmbeddedBroker creates a broker listening on addr (e.g. ":1883").
func NewEmbeddedBroker(addr string, opts ...Option) (*EmbeddedBroker, error) {
	if addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"EmbeddedBroker", "NewEmbeddedBroker", "listen address required")
	}

	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, errors.WrapInvalid(err, "EmbeddedBroker", "NewEmbeddedBroker", "apply option")
		}
	}

	b := &EmbeddedBroker{
		addr:     addr,
		settings: s,
	}
	b.status.Store(StatusDisconnected)

	return b, nil
}

// Status returns the current broker status
func (b *EmbeddedBroker) Status() ConnectionStatus {
	val := b.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (b *EmbeddedBroker) setStatus(status ConnectionStatus) {
	b.status.Store(status)
	if b.settings.metrics != nil {
		b.settings.metrics.RecordTransportStatus(status == StatusConnected)
	}
}

// OnMessage registers the message handler. Must be called before Start.
func (b *EmbeddedBroker) OnMessage(handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Start boots the broker, opens the TCP listener and wires the inline
// subscriptions for the configured topic filters.
func (b *EmbeddedBroker) Start(ctx context.Context) error {
	if b.closed.Load() {
		return errors.Wrap(errors.ErrShuttingDown, "EmbeddedBroker", "Start", "broker closed")
	}
	if b.Status() != StatusDisconnected {
		return errors.Wrap(errors.ErrAlreadyStarted, "EmbeddedBroker", "Start", "already started")
	}

	b.runCtx, b.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	b.setStatus(StatusConnecting)

	server := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
		Logger:       b.settings.logger.With("component", "mqtt-broker"),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		b.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "EmbeddedBroker", "Start", "install auth hook")
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: b.addr})
	if err := server.AddListener(tcp); err != nil {
		b.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "EmbeddedBroker", "Start",
			fmt.Sprintf("listen on %s", b.addr))
	}

	for i, filter := range b.settings.topics {
		if err := server.Subscribe(filter, i+1, b.receive); err != nil {
			b.settings.logger.Error("inline subscription failed",
				"filter", filter, "error", err)
			if b.settings.metrics != nil {
				b.settings.metrics.RecordError("transport", "subscribe")
			}
		}
	}

	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	go func() {
		if err := server.Serve(); err != nil {
			b.settings.logger.Error("embedded broker stopped", "error", err)
		}
	}()

	b.setStatus(StatusConnected)
	b.settings.logger.Info("embedded MQTT broker listening",
		"addr", b.addr, "topics", b.settings.topics)

	return nil
}

// receive is the inline subscription callback
func (b *EmbeddedBroker) receive(_ *mqttserver.Client, _ packets.Subscription, pk packets.Packet) {
	if Reserved(pk.TopicName) {
		return
	}

	b.mu.RLock()
	handler := b.handler
	ctx := b.runCtx
	b.mu.RUnlock()

	if handler == nil || ctx == nil || ctx.Err() != nil {
		return
	}

	if b.settings.metrics != nil {
		b.settings.metrics.RecordMessageReceived("transport", pk.TopicName)
	}
	handler(ctx, pk.TopicName, pk.Payload)
}

// Publish injects a payload into the broker through the inline client
func (b *EmbeddedBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrEmptyTopic, "EmbeddedBroker", "Publish", "topic required")
	}
	if b.Status() != StatusConnected {
		return errors.WrapTransient(errors.ErrTransportUnavailable,
			"EmbeddedBroker", "Publish", fmt.Sprintf("broker is %s", b.Status()))
	}

	b.mu.RLock()
	server := b.server
	b.mu.RUnlock()

	if err := server.Publish(topic, payload, false, b.settings.qos); err != nil {
		return errors.WrapTransient(err, "EmbeddedBroker", "Publish", "inline publish")
	}
	return nil
}

// Close shuts the broker down. Idempotent.
func (b *EmbeddedBroker) Close(_ context.Context) error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed.Load() {
		return nil
	}
	b.closed.Store(true)

	if b.runCancel != nil {
		b.runCancel()
	}

	b.mu.RLock()
	server := b.server
	b.mu.RUnlock()

	if server != nil {
		if err := server.Close(); err != nil {
			return errors.Wrap(err, "EmbeddedBroker", "Close", "shutdown broker")
		}
	}

	b.setStatus(StatusDisconnected)
	b.settings.logger.Info("embedded MQTT broker closed", "addr", b.addr)
	return nil
}
