// Package storage defines the pluggable persistence interface for sensor
// readings.
//
// Two implementations exist:
//   - postgres.Store: PostgreSQL via pgxpool, the production backend
//   - memstore.Store: in-memory slice store for tests and broker-only runs
//
// All Store implementations must be safe for concurrent use from multiple
// goroutines, and all operations take a context for cancellation and
// timeouts. Unless stated otherwise, multi-row results are ordered newest
// first by device timestamp.
package storage

import (
	"context"
	"time"

	"github.com/gridpoint/sensorhub/reading"
)

// Query limits. Callers asking for more than MaxLimit are clamped.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// PageInfo describes the position of a page within the full result set
type PageInfo struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

// NewPageInfo computes page metadata for a total row count
func NewPageInfo(page, limit int, total int64) PageInfo {
	pages := int((total + int64(limit) - 1) / int64(limit))
	return PageInfo{Page: page, Limit: limit, Total: total, Pages: pages}
}

// ReadingPage is one page of readings plus its pagination metadata
type ReadingPage struct {
	Readings []*reading.CanonicalReading `json:"data"`
	PageInfo PageInfo                    `json:"pagination"`
}

// TopicStats aggregates the readings recorded for one topic.
// Averages are nil when no reading on the topic carried that field.
type TopicStats struct {
	Topic          string    `json:"topic"`
	Count          int64     `json:"count"`
	AvgTemperature *float64  `json:"avgTemperature,omitempty"`
	AvgHumidity    *float64  `json:"avgHumidity,omitempty"`
	AvgPressure    *float64  `json:"avgPressure,omitempty"`
	LastTimestamp  time.Time `json:"lastTimestamp"`
}

// Counts holds the total number of stored readings and the per-topic
// breakdown.
type Counts struct {
	Total    int64            `json:"total"`
	PerTopic map[string]int64 `json:"perTopic"`
}

// Store persists canonical readings and answers the query surface the
// API and WebSocket layers are built on.
type Store interface {
	// Insert stores a reading and returns the stored copy with its
	// generated ID and ReceivedAt filled in. The input is not mutated.
	Insert(ctx context.Context, r *reading.CanonicalReading) (*reading.CanonicalReading, error)

	// List returns one page of readings, newest first. Page numbering
	// starts at 1.
	List(ctx context.Context, page, limit int) (*ReadingPage, error)

	// ByTopic returns up to limit readings whose topic matches the
	// given regular expression, newest first.
	ByTopic(ctx context.Context, pattern string, limit int) ([]*reading.CanonicalReading, error)

	// BySensor returns up to limit readings for one sensor ID, newest first.
	BySensor(ctx context.Context, sensorID string, limit int) ([]*reading.CanonicalReading, error)

	// LatestPerTopic returns the most recent reading for every topic
	// that has one.
	LatestPerTopic(ctx context.Context) ([]*reading.CanonicalReading, error)

	// StatsPerTopic returns per-topic aggregates sorted by topic.
	StatsPerTopic(ctx context.Context) ([]TopicStats, error)

	// Range returns up to limit readings with device timestamps in
	// [from, to], newest first. A zero bound is unbounded on that side;
	// a non-empty pattern narrows the result to matching topics.
	Range(ctx context.Context, pattern string, from, to time.Time, limit int) ([]*reading.CanonicalReading, error)

	// Counts returns the total reading count and the per-topic breakdown.
	Counts(ctx context.Context) (*Counts, error)

	// DeleteOlderThan removes readings with device timestamps before
	// cutoff and reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteByTopic removes every reading whose topic matches the given
	// regular expression and reports how many were removed.
	DeleteByTopic(ctx context.Context, pattern string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection. Safe to call more than once.
	Close() error
}

// ClampLimit normalizes a requested row limit into [1, MaxLimit],
// substituting DefaultLimit for zero or negative values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ClampPage normalizes a requested page number (pages start at 1)
func ClampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
