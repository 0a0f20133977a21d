package query

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

func TestNewJanitorRequiresEngine(t *testing.T) {
	_, err := NewJanitor(nil, 7, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestJanitorDefaults(t *testing.T) {
	engine, _ := seededEngine(t, "sensors/room1", 1)

	j, err := NewJanitor(engine, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetentionDays, j.days)
	assert.Equal(t, DefaultCleanupInterval, j.interval)
}

func TestJanitorSweepsOnStart(t *testing.T) {
	engine, store := seededEngine(t, "sensors/room1", 5)
	engine.now = func() time.Time { return baseTime.Add(10 * 24 * time.Hour) }

	j, err := NewJanitor(engine, 7, time.Hour)
	require.NoError(t, err)
	require.NoError(t, j.Initialize())
	require.NoError(t, j.Start(context.Background()))

	require.Eventually(t, func() bool {
		counts, err := store.Counts(context.Background())
		return err == nil && counts.Total == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, j.Stop(time.Second))
}

func TestJanitorCountsDeletions(t *testing.T) {
	engine, store := seededEngine(t, "sensors/room1", 5)
	engine.now = func() time.Time { return baseTime.Add(10 * 24 * time.Hour) }

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readings_deleted_total",
		Help: "Readings removed by retention sweeps",
	})

	j, err := NewJanitor(engine, 7, time.Hour)
	require.NoError(t, err)
	j.SetDeletedCounter(counter)
	require.NoError(t, j.Start(context.Background()))

	require.Eventually(t, func() bool {
		counts, err := store.Counts(context.Background())
		return err == nil && counts.Total == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, j.Stop(time.Second))
	assert.Equal(t, 5.0, testutil.ToFloat64(counter))
}

func TestJanitorLifecycle(t *testing.T) {
	engine, _ := seededEngine(t, "sensors/room1", 1)

	j, err := NewJanitor(engine, 7, time.Hour)
	require.NoError(t, err)

	err = j.Stop(time.Second)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, j.Start(context.Background()))
	err = j.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, j.Stop(time.Second))
	require.NoError(t, j.Stop(time.Second))
}
