// Package normalize maps heterogeneous device payloads onto the canonical
// reading schema. Devices in the field disagree on field names ("temp" vs
// "temperature") and timestamp encodings; this package reconciles them.
//
// Normalization never panics past its boundary: every decode or parse
// failure comes back as a typed *ParseError. An unparseable timestamp is
// NOT an error — it falls back to ingestion time, logged and counted.
package normalize

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/reading"
)

// ParseErrorKind discriminates normalization failures.
type ParseErrorKind string

// Parse failure kinds.
const (
	KindInvalidEncoding  ParseErrorKind = "invalid_encoding"
	KindMalformedPayload ParseErrorKind = "malformed_payload"
	KindInvalidTimestamp ParseErrorKind = "invalid_timestamp"
)

// ParseError is the typed result of a failed normalization. The pipeline
// logs it and drops the message; it never propagates as a fatal error.
type ParseError struct {
	Kind  ParseErrorKind
	Topic string
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return "normalize " + e.Topic + ": " + string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error so errors.Is works against the
// package sentinels.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// aliasRule maps inbound field names to one canonical field, highest
// priority first. Adding a new device firmware alias is a data change here,
// not a code change.
type aliasRule struct {
	canonical string
	aliases   []string
}

var numericRules = []aliasRule{
	{"temperature", []string{"temperature", "temp"}},
	{"humidity", []string{"humidity", "hum"}},
	{"pressure", []string{"pressure"}},
	{"light", []string{"light", "lux"}},
}

var sensorIDAliases = []string{"sensorId", "sensor_id"}

// deviceTimeLayout is the day-first format some device firmware emits in its
// "time" field, e.g. "08/12/2025 14:01:57". A naive month-first parse of
// that string silently produces a wrong (or invalid) date, which is why the
// layout is pinned here.
const deviceTimeLayout = "02/01/2006 15:04:05"

// isoLayouts are tried in order for the "timestamp" field.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer converts raw payload bytes into canonical readings.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time

	// timestampFallbacks counts readings that arrived without a usable
	// event time. A steadily climbing counter points at a device with a
	// broken clock or an unknown time format upstream.
	timestampFallbacks prometheus.Counter
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the structured logger used for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the wall-clock source (tests).
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithFallbackCounter sets the counter incremented whenever ingestion time
// is substituted for a missing or unparseable event timestamp.
func WithFallbackCounter(c prometheus.Counter) Option {
	return func(n *Normalizer) {
		n.timestampFallbacks = c
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes raw as JSON and reconciles it onto a CanonicalReading.
// On failure it returns a *ParseError; it never returns a partial reading.
// Numeric bound validation is deferred to the persistence layer.
func (n *Normalizer) Normalize(topic string, raw []byte) (*reading.CanonicalReading, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ParseError{Kind: KindInvalidEncoding, Topic: topic, Err: errors.ErrInvalidEncoding}
	}

	fields, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ParseError{Kind: KindMalformedPayload, Topic: topic, Err: errors.ErrMalformedPayload}
	}

	now := n.now()
	r := &reading.CanonicalReading{
		Topic:      topic,
		SensorID:   resolveSensorID(topic, fields),
		Raw:        fields,
		ReceivedAt: now,
	}

	for _, rule := range numericRules {
		if v, found := firstNumeric(fields, rule.aliases); found {
			switch rule.canonical {
			case "temperature":
				r.Temperature = reading.Float(v)
			case "humidity":
				r.Humidity = reading.Float(v)
			case "pressure":
				r.Pressure = reading.Float(v)
			case "light":
				r.Light = reading.Float(v)
			}
		}
	}
	if v, ok := fields["motion"].(bool); ok {
		r.Motion = reading.Bool(v)
	}

	ts, ok := resolveTimestamp(fields)
	if !ok {
		// Substituting ingestion time keeps the reading; it is a warning,
		// not a drop. The counter exists so a persistently broken device
		// clock is visible in metrics rather than silently absorbed.
		r.Timestamp = now
		n.logger.Warn("no usable event timestamp, using ingestion time",
			"topic", topic, "sensor_id", r.SensorID)
		if n.timestampFallbacks != nil {
			n.timestampFallbacks.Inc()
		}
		return r, nil
	}

	r.Timestamp = ts
	return r, nil
}

// resolveSensorID takes the first present identifier alias, falling back to
// the last path segment of the topic.
func resolveSensorID(topic string, fields map[string]any) string {
	for _, alias := range sensorIDAliases {
		if v, ok := fields[alias].(string); ok && v != "" {
			return v
		}
	}
	return reading.DeriveSensorID(topic)
}

// firstNumeric returns the value of the first present alias that carries a
// number. Numeric strings are tolerated because some firmware quotes its
// values.
func firstNumeric(fields map[string]any, aliases []string) (float64, bool) {
	for _, alias := range aliases {
		v, present := fields[alias]
		if !present {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// resolveTimestamp tries the two supported encodings in priority order:
// a "timestamp" field (ISO date-time string or epoch number), then a
// day-first "time" field. Each parser is independent; the composition is
// plain fallback.
func resolveTimestamp(fields map[string]any) (time.Time, bool) {
	if v, present := fields["timestamp"]; present {
		if ts, ok := parseStandardTimestamp(v); ok {
			return ts, true
		}
	}
	if v, ok := fields["time"].(string); ok {
		if ts, ok := parseDeviceTime(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseStandardTimestamp handles the "timestamp" field: ISO-style strings
// and Unix epochs (milliseconds when the magnitude says so, seconds
// otherwise).
func parseStandardTimestamp(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range isoLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts, true
			}
		}
	case float64:
		if val <= 0 {
			return time.Time{}, false
		}
		if val > 1e12 {
			return time.UnixMilli(int64(val)), true
		}
		return time.Unix(int64(val), 0), true
	}
	return time.Time{}, false
}

// parseDeviceTime parses the pinned day-first layout in local time.
func parseDeviceTime(s string) (time.Time, bool) {
	ts, err := time.ParseInLocation(deviceTimeLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
