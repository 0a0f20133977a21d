// Package query exposes the read-side operations over the reading store:
// pagination, filtering, aggregation and retention cleanup. The WebSocket
// layer and any future HTTP API sit on top of this engine rather than on
// the store directly, so validation and error classification happen once.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gridpoint/sensorhub/cache"
	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/metric"
	"github.com/gridpoint/sensorhub/reading"
	"github.com/gridpoint/sensorhub/storage"
)

// DefaultRetentionDays is how long readings are kept when no retention
// period is configured.
const DefaultRetentionDays = 30

// Engine answers queries against the reading store, consulting the
// latest-reading cache where it can.
type Engine struct {
	store   storage.Store
	cache   *cache.LatestCache
	logger  *slog.Logger
	metrics *metric.Metrics

	now func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCache attaches the latest-reading cache (nil disables)
func WithCache(c *cache.LatestCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables query metrics
func WithMetrics(m *metric.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a query engine over the store
func NewEngine(store storage.Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Engine", "NewEngine", "store required")
	}

	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordProcessingDuration("query", op, time.Since(start))
	if err != nil {
		e.metrics.RecordError("query", op)
	}
}

// queryFailure classifies a store error so callers can match on
// ErrQueryFailed without losing the underlying cause.
func queryFailure(err error, method, action string) error {
	return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrQueryFailed, err), "Engine", method, action)
}

// List returns one page of readings, newest first
func (e *Engine) List(ctx context.Context, page, limit int) (*storage.ReadingPage, error) {
	start := e.now()
	result, err := e.store.List(ctx, page, limit)
	e.observe("list", start, err)
	if err != nil {
		return nil, queryFailure(err, "List", "list readings")
	}
	return result, nil
}

// Snapshot returns the n most recent readings, newest first. This backs
// the initial state sent to new WebSocket clients.
func (e *Engine) Snapshot(ctx context.Context, n int) ([]*reading.CanonicalReading, error) {
	page, err := e.List(ctx, 1, n)
	if err != nil {
		return nil, err
	}
	return page.Readings, nil
}

// ByTopic returns readings whose topic matches the regular expression
func (e *Engine) ByTopic(ctx context.Context, pattern string, limit int) ([]*reading.CanonicalReading, error) {
	if pattern == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyTopic, "Engine", "ByTopic", "pattern required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "ByTopic", "compile topic pattern")
	}

	start := e.now()
	readings, err := e.store.ByTopic(ctx, pattern, limit)
	e.observe("by_topic", start, err)
	if err != nil {
		return nil, queryFailure(err, "ByTopic", "query by topic")
	}
	return readings, nil
}

// BySensor returns readings for one sensor ID
func (e *Engine) BySensor(ctx context.Context, sensorID string, limit int) ([]*reading.CanonicalReading, error) {
	if sensorID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Engine", "BySensor", "sensor id required")
	}

	start := e.now()
	readings, err := e.store.BySensor(ctx, sensorID, limit)
	e.observe("by_sensor", start, err)
	if err != nil {
		return nil, queryFailure(err, "BySensor", "query by sensor")
	}
	return readings, nil
}

// Latest returns the newest reading for a topic, consulting the cache
// before the store.
func (e *Engine) Latest(ctx context.Context, topic string) (*reading.CanonicalReading, error) {
	if topic == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyTopic, "Engine", "Latest", "topic required")
	}

	if r, err := e.cache.Latest(ctx, topic); err == nil {
		return r, nil
	}

	exact := "^" + regexp.QuoteMeta(topic) + "$"
	readings, err := e.store.ByTopic(ctx, exact, 1)
	if err != nil {
		return nil, queryFailure(err, "Latest", "query latest reading")
	}
	if len(readings) == 0 {
		return nil, errors.Wrap(errors.ErrNotFound, "Engine", "Latest",
			fmt.Sprintf("no readings on %s", topic))
	}
	return readings[0], nil
}

// LatestPerTopic returns the newest reading for every topic
func (e *Engine) LatestPerTopic(ctx context.Context) ([]*reading.CanonicalReading, error) {
	start := e.now()
	readings, err := e.store.LatestPerTopic(ctx)
	e.observe("latest_per_topic", start, err)
	if err != nil {
		return nil, queryFailure(err, "LatestPerTopic", "query latest per topic")
	}
	return readings, nil
}

// StatsPerTopic returns per-topic aggregates
func (e *Engine) StatsPerTopic(ctx context.Context) ([]storage.TopicStats, error) {
	start := e.now()
	stats, err := e.store.StatsPerTopic(ctx)
	e.observe("stats_per_topic", start, err)
	if err != nil {
		return nil, queryFailure(err, "StatsPerTopic", "query topic stats")
	}
	return stats, nil
}

// Range returns readings with device timestamps in [from, to]. Either
// bound may be zero to leave that side open, and a non-empty pattern
// narrows the result to topics matching the regular expression.
func (e *Engine) Range(ctx context.Context, pattern string, from, to time.Time, limit int) ([]*reading.CanonicalReading, error) {
	if from.IsZero() && to.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Engine", "Range", "at least one bound required")
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Engine", "Range", "range start after end")
	}
	if pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "Range", "compile topic pattern")
		}
	}

	start := e.now()
	readings, err := e.store.Range(ctx, pattern, from, to, limit)
	e.observe("range", start, err)
	if err != nil {
		return nil, queryFailure(err, "Range", "query range")
	}
	return readings, nil
}

// Counts returns total and per-topic reading counts
func (e *Engine) Counts(ctx context.Context) (*storage.Counts, error) {
	start := e.now()
	counts, err := e.store.Counts(ctx)
	e.observe("counts", start, err)
	if err != nil {
		return nil, queryFailure(err, "Counts", "count readings")
	}
	return counts, nil
}

// Cleanup deletes readings older than the given number of days and
// reports how many were removed. Non-positive days falls back to
// DefaultRetentionDays.
func (e *Engine) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := e.now().AddDate(0, 0, -days)

	start := e.now()
	removed, err := e.store.DeleteOlderThan(ctx, cutoff)
	e.observe("cleanup", start, err)
	if err != nil {
		return 0, queryFailure(err, "Cleanup", "delete expired readings")
	}
	if removed > 0 {
		e.logger.Info("retention cleanup complete", "removed", removed, "days", days)
	}
	return removed, nil
}

// DeleteTopic removes every reading whose topic matches the regular
// expression. Anchor the pattern to delete a single topic.
func (e *Engine) DeleteTopic(ctx context.Context, pattern string) (int64, error) {
	if pattern == "" {
		return 0, errors.WrapInvalid(errors.ErrEmptyTopic, "Engine", "DeleteTopic", "pattern required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return 0, errors.WrapInvalid(err, "Engine", "DeleteTopic", "compile topic pattern")
	}

	start := e.now()
	removed, err := e.store.DeleteByTopic(ctx, pattern)
	e.observe("delete_topic", start, err)
	if err != nil {
		return 0, queryFailure(err, "DeleteTopic", "delete matching readings")
	}
	e.logger.Info("deleted topic readings", "pattern", pattern, "removed", removed)
	return removed, nil
}
