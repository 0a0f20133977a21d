package normalize

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/sensorhub/errors"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)

func testNormalizer(opts ...Option) *Normalizer {
	base := []Option{
		WithLogger(slog.Default()),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(append(base, opts...)...)
}

func TestNormalize_DeviceFirmwarePayload(t *testing.T) {
	// The exact shape the STM32 firmware publishes.
	n := testNormalizer()
	r, err := n.Normalize("sensor/room1", []byte(`{"temp": 21.5, "hum": 60, "time": "08/12/2025 14:01:57"}`))
	require.NoError(t, err)

	require.NotNil(t, r.Temperature)
	assert.Equal(t, 21.5, *r.Temperature)
	require.NotNil(t, r.Humidity)
	assert.Equal(t, 60.0, *r.Humidity)
	assert.Equal(t, "room1", r.SensorID)
	assert.Equal(t, "sensor/room1", r.Topic)

	expected := time.Date(2025, 12, 8, 14, 1, 57, 0, time.Local)
	assert.True(t, r.Timestamp.Equal(expected), "expected %v, got %v", expected, r.Timestamp)
	assert.True(t, r.ReceivedAt.Equal(fixedNow))
}

func TestNormalize_AliasPriority(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected float64
	}{
		{"temperature only", `{"temperature": 20}`, 20},
		{"temp only", `{"temp": 21}`, 21},
		{"temperature wins over temp", `{"temperature": 20, "temp": 99}`, 20},
		{"order in payload is irrelevant", `{"temp": 99, "temperature": 20}`, 20},
	}

	n := testNormalizer()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := n.Normalize("sensors/a", []byte(test.payload))
			require.NoError(t, err)
			require.NotNil(t, r.Temperature)
			assert.Equal(t, test.expected, *r.Temperature)
		})
	}
}

func TestNormalize_AllCanonicalFields(t *testing.T) {
	n := testNormalizer()
	payload := `{
		"sensor_id": "node-7",
		"temperature": 22.5,
		"humidity": 45,
		"pressure": 1013.25,
		"lux": 350,
		"motion": true,
		"battery": 87,
		"timestamp": "2025-03-01T08:30:00Z"
	}`

	r, err := n.Normalize("home/hall/node7", []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "node-7", r.SensorID)
	assert.Equal(t, 22.5, *r.Temperature)
	assert.Equal(t, 45.0, *r.Humidity)
	assert.Equal(t, 1013.25, *r.Pressure)
	assert.Equal(t, 350.0, *r.Light)
	require.NotNil(t, r.Motion)
	assert.True(t, *r.Motion)

	// Uncovered fields survive in the raw payload.
	assert.Equal(t, 87.0, r.Raw["battery"])

	expected := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	assert.True(t, r.Timestamp.Equal(expected))
}

func TestNormalize_QuotedNumbers(t *testing.T) {
	n := testNormalizer()
	r, err := n.Normalize("sensors/a", []byte(`{"temp": "19.5", "hum": " 61 "}`))
	require.NoError(t, err)
	assert.Equal(t, 19.5, *r.Temperature)
	assert.Equal(t, 61.0, *r.Humidity)
}

func TestNormalize_DayFirstRoundTrip(t *testing.T) {
	// Day > 12 disambiguates from a month-first misparse.
	tests := []string{
		"31/12/2023 23:59:59",
		"15/06/2024 12:30:45",
		"08/12/2025 14:01:57",
		"01/01/2024 00:00:00",
	}

	n := testNormalizer()
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			r, err := n.Normalize("sensors/a", []byte(`{"time": "`+input+`"}`))
			require.NoError(t, err)

			parsed, perr := time.ParseInLocation("02/01/2006 15:04:05", input, time.Local)
			require.NoError(t, perr)
			assert.Equal(t, parsed.Year(), r.Timestamp.Year())
			assert.Equal(t, parsed.Month(), r.Timestamp.Month())
			assert.Equal(t, parsed.Day(), r.Timestamp.Day())
			assert.Equal(t, parsed.Hour(), r.Timestamp.Hour())
			assert.Equal(t, parsed.Minute(), r.Timestamp.Minute())
			assert.Equal(t, parsed.Second(), r.Timestamp.Second())
		})
	}
}

func TestNormalize_TimestampPriority(t *testing.T) {
	// "timestamp" wins over "time" when both parse.
	n := testNormalizer()
	r, err := n.Normalize("sensors/a",
		[]byte(`{"timestamp": "2025-03-01T08:30:00Z", "time": "08/12/2025 14:01:57"}`))
	require.NoError(t, err)
	assert.True(t, r.Timestamp.Equal(time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)))
}

func TestNormalize_EpochTimestamps(t *testing.T) {
	n := testNormalizer()

	r, err := n.Normalize("sensors/a", []byte(`{"timestamp": 1740000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1740000000), r.Timestamp.Unix())

	r, err = n.Normalize("sensors/a", []byte(`{"timestamp": 1740000000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1740000000), r.Timestamp.Unix())
}

func TestNormalize_TimestampFallback(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_ts_fallbacks"})
	n := testNormalizer(WithFallbackCounter(counter))

	tests := []struct {
		name    string
		payload string
	}{
		{"no timestamp at all", `{"temp": 20}`},
		{"garbage timestamp string", `{"timestamp": "not-a-date"}`},
		{"month-first device time rejected", `{"time": "2025-12-08T14:01:57Z"}`},
		{"negative epoch", `{"timestamp": -5}`},
	}

	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := n.Normalize("sensors/a", []byte(test.payload))
			require.NoError(t, err, "fallback is not an error condition")
			assert.True(t, r.Timestamp.Equal(fixedNow), "falls back to ingestion time")
			assert.Equal(t, float64(i+1), testutil.ToFloat64(counter))
		})
	}
}

func TestNormalize_ParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		kind     ParseErrorKind
		sentinel error
	}{
		{"truncated json", `{"temp": 2`, KindInvalidEncoding, errors.ErrInvalidEncoding},
		{"not json at all", `hello world`, KindInvalidEncoding, errors.ErrInvalidEncoding},
		{"binary garbage", "\x00\x01\x02", KindInvalidEncoding, errors.ErrInvalidEncoding},
		{"json array", `[1,2,3]`, KindMalformedPayload, errors.ErrMalformedPayload},
		{"bare scalar", `42`, KindMalformedPayload, errors.ErrMalformedPayload},
	}

	n := testNormalizer()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := n.Normalize("sensors/a", []byte(test.payload))
			assert.Nil(t, r, "no partial reading on parse failure")
			require.Error(t, err)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, test.kind, pe.Kind)
			assert.Equal(t, "sensors/a", pe.Topic)
			assert.ErrorIs(t, err, test.sentinel)
		})
	}
}

func TestNormalize_SensorIDFallback(t *testing.T) {
	n := testNormalizer()

	r, err := n.Normalize("home/floor1/bedroom", []byte(`{"temp": 20}`))
	require.NoError(t, err)
	assert.Equal(t, "bedroom", r.SensorID)

	r, err = n.Normalize("home/floor1/bedroom", []byte(`{"temp": 20, "sensorId": "custom-id"}`))
	require.NoError(t, err)
	assert.Equal(t, "custom-id", r.SensorID)

	// sensorId beats sensor_id.
	r, err = n.Normalize("x", []byte(`{"sensorId": "a", "sensor_id": "b"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", r.SensorID)
}
