package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridpoint/sensorhub/errors"
)

// ClientFactory builds an MQTT client from options. Replaceable for testing.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// ExternalClient connects SensorHub to an existing MQTT broker.
//
// Reconnection is managed here rather than by the underlying library:
// attempts are counted against the configured maximum with a fixed wait
// between them, and once exhausted the client goes terminally
// disconnected. This keeps the failure mode explicit instead of
// retrying silently forever.
type ExternalClient struct {
	brokerURL string
	settings  settings

	status  atomic.Value // stores ConnectionStatus
	handler MessageHandler

	client     mqtt.Client
	newClient  ClientFactory
	reconnects atomic.Int32

	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.RWMutex
	reconnecting atomic.Bool
	closeMu      sync.Mutex
	closed       atomic.Bool
}

var _ Transport = (*ExternalClient)(nil)

// NewExternalClient creates a client for the broker at brokerURL
// (e.g. "tcp://localhost:1883").
func NewExternalClient(brokerURL string, opts ...Option) (*ExternalClient, error) {
	if brokerURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ExternalClient", "NewExternalClient", "broker URL required")
	}

	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, errors.WrapInvalid(err, "ExternalClient", "NewExternalClient", "apply option")
		}
	}

	c := &ExternalClient{
		brokerURL: brokerURL,
		settings:  s,
		newClient: func(o *mqtt.ClientOptions) mqtt.Client { return mqtt.NewClient(o) },
	}
	c.status.Store(StatusDisconnected)

	return c, nil
}

// SetClientFactory replaces the MQTT client constructor (for testing)
func (c *ExternalClient) SetClientFactory(f ClientFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newClient = f
}

// Status returns the current connection status
func (c *ExternalClient) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *ExternalClient) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.settings.metrics != nil {
		c.settings.metrics.RecordTransportStatus(status == StatusConnected)
	}
}

// Reconnects returns how many reconnection attempts have been made
func (c *ExternalClient) Reconnects() int32 {
	return c.reconnects.Load()
}

// OnMessage registers the message handler. Must be called before Start.
func (c *ExternalClient) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start connects to the broker and subscribes to the configured filters
func (c *ExternalClient) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.Wrap(errors.ErrShuttingDown, "ExternalClient", "Start", "client closed")
	}
	if c.Status() != StatusDisconnected {
		return errors.Wrap(errors.ErrAlreadyStarted, "ExternalClient", "Start", "already started")
	}

	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.setStatus(StatusConnecting)

	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(c.settings.clientID).
		SetConnectTimeout(c.settings.connectTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(c.handleConnectionLost)
	if c.settings.username != "" {
		opts.SetUsername(c.settings.username)
		opts.SetPassword(c.settings.password)
	}

	c.mu.Lock()
	c.client = c.newClient(opts)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(c.settings.connectTimeout) {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(errors.ErrTransportUnavailable,
			"ExternalClient", "Start", "connect timed out")
	}
	if err := token.Error(); err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "ExternalClient", "Start", "connect to broker")
	}

	c.subscribeAll(client)
	c.setStatus(StatusConnected)
	c.settings.logger.Info("connected to MQTT broker",
		"broker", c.brokerURL, "client_id", c.settings.clientID, "topics", c.settings.topics)

	return nil
}

// subscribeAll subscribes to every configured filter. A failed filter is
// logged and skipped; the remaining filters still deliver.
func (c *ExternalClient) subscribeAll(client mqtt.Client) {
	for _, filter := range c.settings.topics {
		token := client.Subscribe(filter, c.settings.qos, c.receive)
		if !token.WaitTimeout(c.settings.connectTimeout) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = errors.ErrSubscriptionFailed
			}
			c.settings.logger.Error("subscription failed",
				"filter", filter, "error", err)
			if c.settings.metrics != nil {
				c.settings.metrics.RecordError("transport", "subscribe")
			}
		}
	}
}

// receive is the paho message callback
func (c *ExternalClient) receive(_ mqtt.Client, msg mqtt.Message) {
	if Reserved(msg.Topic()) {
		return
	}

	c.mu.RLock()
	handler := c.handler
	ctx := c.runCtx
	c.mu.RUnlock()

	if handler == nil || ctx == nil || ctx.Err() != nil {
		return
	}

	if c.settings.metrics != nil {
		c.settings.metrics.RecordMessageReceived("transport", msg.Topic())
	}
	handler(ctx, msg.Topic(), msg.Payload())
}

// handleConnectionLost runs when the broker connection drops
func (c *ExternalClient) handleConnectionLost(_ mqtt.Client, err error) {
	if c.closed.Load() {
		return
	}

	c.settings.logger.Warn("broker connection lost", "broker", c.brokerURL, "error", err)

	// Only one reconnect loop at a time.
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.setStatus(StatusReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with a fixed wait until it
// succeeds, the attempt budget runs out, or the client is closed.
func (c *ExternalClient) reconnectLoop() {
	defer c.reconnecting.Store(false)

	timer := time.NewTimer(c.settings.reconnectWait)
	defer timer.Stop()

	for attempt := 1; c.settings.maxReconnects < 0 || attempt <= c.settings.maxReconnects; attempt++ {
		select {
		case <-c.runCtx.Done():
			return
		case <-timer.C:
		}

		c.reconnects.Add(1)
		if c.settings.metrics != nil {
			c.settings.metrics.RecordTransportReconnect()
		}

		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()

		token := client.Connect()
		if token.WaitTimeout(c.settings.connectTimeout) && token.Error() == nil {
			c.subscribeAll(client)
			c.setStatus(StatusConnected)
			c.settings.logger.Info("reconnected to MQTT broker",
				"broker", c.brokerURL, "attempt", attempt)
			return
		}

		c.settings.logger.Warn("reconnect attempt failed",
			"broker", c.brokerURL, "attempt", attempt, "error", token.Error())
		timer.Reset(c.settings.reconnectWait)
	}

	// Attempt budget exhausted. The client stays down until Close.
	c.setStatus(StatusDisconnected)
	err := errors.WrapTransient(errors.ErrConnectionExhausted,
		"ExternalClient", "reconnectLoop",
		fmt.Sprintf("gave up after %d attempts", c.settings.maxReconnects))
	c.settings.logger.Error("broker connection lost for good", "error", err)
	if c.settings.onConnectionLost != nil {
		c.settings.onConnectionLost(err)
	}
}

// Publish sends a payload to a topic. Fails fast when not connected.
func (c *ExternalClient) Publish(_ context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrEmptyTopic, "ExternalClient", "Publish", "topic required")
	}
	if c.Status() != StatusConnected {
		return errors.WrapTransient(errors.ErrTransportUnavailable,
			"ExternalClient", "Publish", fmt.Sprintf("transport is %s", c.Status()))
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	token := client.Publish(topic, c.settings.qos, false, payload)
	if !token.WaitTimeout(c.settings.connectTimeout) {
		return errors.WrapTransient(errors.ErrTransportUnavailable,
			"ExternalClient", "Publish", "publish timed out")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "ExternalClient", "Publish", "publish to broker")
	}
	return nil
}

// Close disconnects from the broker. Idempotent.
func (c *ExternalClient) Close(_ context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	if c.runCancel != nil {
		c.runCancel()
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(uint(c.settings.disconnectWait / time.Millisecond))
	}

	c.setStatus(StatusDisconnected)
	c.settings.logger.Info("MQTT client closed", "broker", c.brokerURL)
	return nil
}
