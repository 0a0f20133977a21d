package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

func validReading() *CanonicalReading {
	return &CanonicalReading{
		Topic:      "sensors/room1",
		SensorID:   "room1",
		Timestamp:  time.Now(),
		ReceivedAt: time.Now(),
	}
}

func TestDeriveSensorID(t *testing.T) {
	tests := []struct {
		topic    string
		expected string
	}{
		{"sensors/room1", "room1"},
		{"home/floor2/kitchen", "kitchen"},
		{"standalone", "standalone"},
		{"trailing/", ""},
	}

	for _, test := range tests {
		t.Run(test.topic, func(t *testing.T) {
			assert.Equal(t, test.expected, DeriveSensorID(test.topic))
		})
	}
}

func TestValidate_RequiresTopic(t *testing.T) {
	r := validReading()
	r.Topic = "  "
	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEmptyTopic)
}

func TestValidate_RequiresTimestamp(t *testing.T) {
	r := validReading()
	r.Timestamp = time.Time{}
	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTimestamp)
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CanonicalReading)
		valid  bool
	}{
		{"nil optionals", func(_ *CanonicalReading) {}, true},
		{"temperature at absolute zero", func(r *CanonicalReading) { r.Temperature = Float(-273.15) }, true},
		{"temperature below absolute zero", func(r *CanonicalReading) { r.Temperature = Float(-300) }, false},
		{"temperature above max", func(r *CanonicalReading) { r.Temperature = Float(1000.01) }, false},
		{"humidity in range", func(r *CanonicalReading) { r.Humidity = Float(55) }, true},
		{"humidity over 100", func(r *CanonicalReading) { r.Humidity = Float(101) }, false},
		{"negative humidity", func(r *CanonicalReading) { r.Humidity = Float(-1) }, false},
		{"pressure in range", func(r *CanonicalReading) { r.Pressure = Float(1013.25) }, true},
		{"pressure over max", func(r *CanonicalReading) { r.Pressure = Float(2500) }, false},
		{"light zero", func(r *CanonicalReading) { r.Light = Float(0) }, true},
		{"negative light", func(r *CanonicalReading) { r.Light = Float(-10) }, false},
		{"large light ok", func(r *CanonicalReading) { r.Light = Float(1e6) }, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := validReading()
			test.mutate(r)
			err := r.Validate()
			if test.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrValueOutOfRange)
				assert.True(t, errors.IsInvalid(err), "bound violations classify as invalid")
			}
		})
	}
}
