// Package reading defines the canonical sensor reading persisted by SensorHub
// and the validation rules the store applies before accepting one.
package reading

import (
	"fmt"
	"strings"
	"time"

	"github.com/gridpoint/sensorhub/errors"
)

// Physical bounds for canonical numeric fields. Values outside these ranges
// are rejected by the persistence layer, never clamped.
const (
	TemperatureMin = -273.15
	TemperatureMax = 1000
	HumidityMin    = 0
	HumidityMax    = 100
	PressureMin    = 0
	PressureMax    = 2000
	LightMin       = 0
)

// CanonicalReading is the normalized sensor reading. It is created exactly
// once by the ingestion pipeline and never updated; retention cleanup and
// topic-scoped deletion are the only ways a stored reading goes away.
type CanonicalReading struct {
	// ID is assigned by the store on insert.
	ID string `json:"id,omitempty"`

	// Topic is the publish channel the reading arrived on. Never empty.
	Topic string `json:"topic"`

	// SensorID identifies the device. When the payload carries no
	// identifier it is derived from the last path segment of Topic.
	SensorID string `json:"sensorId,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Light       *float64 `json:"light,omitempty"`
	Motion      *bool    `json:"motion,omitempty"`

	// Raw retains the full decoded payload for fields outside the
	// canonical set.
	Raw map[string]any `json:"data,omitempty"`

	// Timestamp is event time. Unparseable input timestamps are replaced
	// with ingestion time by the normalizer; by the time a reading reaches
	// the store this is always valid.
	Timestamp time.Time `json:"timestamp"`

	// ReceivedAt is ingestion wall-clock time, set once by the pipeline.
	ReceivedAt time.Time `json:"receivedAt"`
}

// DeriveSensorID returns the last "/"-delimited segment of topic, the
// fallback device identifier when a payload names none.
func DeriveSensorID(topic string) string {
	if idx := strings.LastIndex(topic, "/"); idx >= 0 {
		return topic[idx+1:]
	}
	return topic
}

// Validate checks the structural invariants and physical bounds of the
// reading. The store calls this before insert; a failure drops the whole
// reading (no partial record is stored).
func (r *CanonicalReading) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.WrapInvalid(errors.ErrEmptyTopic, "CanonicalReading", "Validate", "check topic")
	}
	if r.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidTimestamp, "CanonicalReading", "Validate", "check timestamp")
	}

	if err := checkBound("temperature", r.Temperature, TemperatureMin, TemperatureMax); err != nil {
		return err
	}
	if err := checkBound("humidity", r.Humidity, HumidityMin, HumidityMax); err != nil {
		return err
	}
	if err := checkBound("pressure", r.Pressure, PressureMin, PressureMax); err != nil {
		return err
	}
	if r.Light != nil && *r.Light < LightMin {
		return outOfRange("light", *r.Light, LightMin, "+Inf")
	}

	return nil
}

func checkBound(field string, v *float64, min, max float64) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return outOfRange(field, *v, min, max)
	}
	return nil
}

func outOfRange(field string, v float64, min, max any) error {
	return errors.WrapInvalid(errors.ErrValueOutOfRange, "CanonicalReading", "Validate",
		fmt.Sprintf("%s=%v outside [%v, %v]", field, v, min, max))
}

// Float returns a pointer to v. Convenience for building readings in tests
// and normalization code.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
