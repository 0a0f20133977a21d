package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

func TestEmbeddedBrokerRequiresAddr(t *testing.T) {
	_, err := NewEmbeddedBroker("")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestEmbeddedBrokerPublishBeforeStart(t *testing.T) {
	b, err := NewEmbeddedBroker("127.0.0.1:0", WithLogger(quietLogger()))
	require.NoError(t, err)

	err = b.Publish(context.Background(), "sensors/room1", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransportUnavailable)
	assert.True(t, errors.IsTransient(err))
}

func TestEmbeddedBrokerRoundTrip(t *testing.T) {
	b, err := NewEmbeddedBroker("127.0.0.1:0",
		WithLogger(quietLogger()),
		WithSubscriptions("sensors/#"))
	require.NoError(t, err)
	defer b.Close(context.Background())

	var (
		mu       sync.Mutex
		received []string
	)
	b.OnMessage(func(_ context.Context, topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, topic+"="+string(payload))
	})

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, StatusConnected, b.Status())

	require.NoError(t, b.Publish(context.Background(), "sensors/room1", []byte(`{"temp":21.5}`)))
	require.NoError(t, b.Publish(context.Background(), "garage/door", []byte(`{"motion":true}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Only the subscribed filter matched; garage/door was not delivered.
	assert.Equal(t, []string{`sensors/room1={"temp":21.5}`}, received)
}

func TestEmbeddedBrokerStartTwice(t *testing.T) {
	b, err := NewEmbeddedBroker("127.0.0.1:0", WithLogger(quietLogger()))
	require.NoError(t, err)
	defer b.Close(context.Background())

	require.NoError(t, b.Start(context.Background()))
	err = b.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestEmbeddedBrokerCloseIdempotent(t *testing.T) {
	b, err := NewEmbeddedBroker("127.0.0.1:0", WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, b.Status())
}
