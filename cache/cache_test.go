package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/reading"
)

// A nil cache is the disabled state; every operation must be a no-op.
func TestNilCache(t *testing.T) {
	var c *LatestCache
	ctx := context.Background()

	r := &reading.CanonicalReading{
		Topic:     "sensors/room1",
		SensorID:  "room1",
		Timestamp: time.Now(),
	}

	assert.NoError(t, c.SetLatest(ctx, r))
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
	c.SetTTL(time.Minute)

	_, err := c.Latest(ctx, "sensors/room1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
