// Package postgres implements the reading store on PostgreSQL via pgxpool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/reading"
	"github.com/gridpoint/sensorhub/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	id          UUID PRIMARY KEY,
	topic       TEXT NOT NULL,
	sensor_id   TEXT NOT NULL,
	temperature DOUBLE PRECISION,
	humidity    DOUBLE PRECISION,
	pressure    DOUBLE PRECISION,
	light       DOUBLE PRECISION,
	motion      BOOLEAN,
	raw         JSONB,
	ts          TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_ts ON sensor_readings (ts DESC);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_topic_ts ON sensor_readings (topic, ts DESC);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_sensor_ts ON sensor_readings (sensor_id, ts DESC);
`

const readingColumns = `id, topic, sensor_id, temperature, humidity, pressure, light, motion, raw, ts, received_at`

// Boot ping is retried so the service survives the database coming up a
// few seconds after it, as happens under docker compose.
const (
	connectAttempts  = 5
	connectRetryWait = 2 * time.Second
)

// Store persists readings in a sensor_readings table
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	closed atomic.Bool

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New connects to PostgreSQL and ensures the schema exists
func New(ctx context.Context, connString string, logger *slog.Logger) (*Store, error) {
	if connString == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"postgres.Store", "New", "connection string required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.WrapFatal(err, "postgres.Store", "New", "create connection pool")
	}
	if err := pingWithRetry(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "postgres.Store", "New", "ping database")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.WrapFatal(err, "postgres.Store", "New", "ensure schema")
	}

	logger.Info("connected to PostgreSQL", "table", "sensor_readings")
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		logger.Warn("database not ready, retrying",
			"attempt", attempt, "max_attempts", connectAttempts, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectRetryWait):
		}
	}
	return err
}

func (s *Store) guard(method string) error {
	if s.closed.Load() {
		return errors.Wrap(errors.ErrStorageUnavailable, "postgres.Store", method, "store closed")
	}
	return nil
}

// Insert stores a reading and returns the stored copy
func (s *Store) Insert(ctx context.Context, r *reading.CanonicalReading) (*reading.CanonicalReading, error) {
	if err := s.guard("Insert"); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = s.now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_readings (`+readingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		stored.ID, stored.Topic, stored.SensorID,
		stored.Temperature, stored.Humidity, stored.Pressure, stored.Light, stored.Motion,
		stored.Raw, stored.Timestamp, stored.ReceivedAt)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Insert", "insert reading")
	}
	return &stored, nil
}

// queryReadings runs a query returning full reading rows
func (s *Store) queryReadings(ctx context.Context, method, sql string, args ...any) ([]*reading.CanonicalReading, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", method, "query readings")
	}
	defer rows.Close()

	var out []*reading.CanonicalReading
	for rows.Next() {
		r := &reading.CanonicalReading{}
		err := rows.Scan(&r.ID, &r.Topic, &r.SensorID,
			&r.Temperature, &r.Humidity, &r.Pressure, &r.Light, &r.Motion,
			&r.Raw, &r.Timestamp, &r.ReceivedAt)
		if err != nil {
			return nil, errors.WrapTransient(err, "postgres.Store", method, "scan reading row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", method, "iterate reading rows")
	}
	return out, nil
}

// List returns one page of readings, newest first
func (s *Store) List(ctx context.Context, page, limit int) (*storage.ReadingPage, error) {
	if err := s.guard("List"); err != nil {
		return nil, err
	}

	page = storage.ClampPage(page)
	limit = storage.ClampLimit(limit)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sensor_readings`).Scan(&total); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "List", "count readings")
	}

	readings, err := s.queryReadings(ctx, "List", `
		SELECT `+readingColumns+` FROM sensor_readings
		ORDER BY ts DESC, received_at DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	return &storage.ReadingPage{
		Readings: readings,
		PageInfo: storage.NewPageInfo(page, limit, total),
	}, nil
}

// ByTopic returns readings whose topic matches the regular expression
func (s *Store) ByTopic(ctx context.Context, pattern string, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("ByTopic"); err != nil {
		return nil, err
	}

	return s.queryReadings(ctx, "ByTopic", `
		SELECT `+readingColumns+` FROM sensor_readings
		WHERE topic ~ $1
		ORDER BY ts DESC, received_at DESC
		LIMIT $2`, pattern, storage.ClampLimit(limit))
}

// BySensor returns readings for one sensor ID
func (s *Store) BySensor(ctx context.Context, sensorID string, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("BySensor"); err != nil {
		return nil, err
	}

	return s.queryReadings(ctx, "BySensor", `
		SELECT `+readingColumns+` FROM sensor_readings
		WHERE sensor_id = $1
		ORDER BY ts DESC, received_at DESC
		LIMIT $2`, sensorID, storage.ClampLimit(limit))
}

// LatestPerTopic returns the newest reading for each topic
func (s *Store) LatestPerTopic(ctx context.Context) ([]*reading.CanonicalReading, error) {
	if err := s.guard("LatestPerTopic"); err != nil {
		return nil, err
	}

	return s.queryReadings(ctx, "LatestPerTopic", `
		SELECT DISTINCT ON (topic) `+readingColumns+` FROM sensor_readings
		ORDER BY topic, ts DESC, received_at DESC`)
}

// StatsPerTopic returns per-topic aggregates sorted by topic
func (s *Store) StatsPerTopic(ctx context.Context) ([]storage.TopicStats, error) {
	if err := s.guard("StatsPerTopic"); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT topic, count(*), avg(temperature), avg(humidity), avg(pressure), max(ts)
		FROM sensor_readings
		GROUP BY topic
		ORDER BY topic`)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "StatsPerTopic", "query stats")
	}
	defer rows.Close()

	var out []storage.TopicStats
	for rows.Next() {
		var st storage.TopicStats
		err := rows.Scan(&st.Topic, &st.Count,
			&st.AvgTemperature, &st.AvgHumidity, &st.AvgPressure, &st.LastTimestamp)
		if err != nil {
			return nil, errors.WrapTransient(err, "postgres.Store", "StatsPerTopic", "scan stats row")
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "StatsPerTopic", "iterate stats rows")
	}
	return out, nil
}

// Range returns readings with device timestamps in [from, to], optionally
// narrowed to topics matching pattern. Zero bounds are unbounded, so the
// predicate is built from whichever constraints the caller supplied.
func (s *Store) Range(ctx context.Context, pattern string, from, to time.Time, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("Range"); err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if pattern != "" {
		args = append(args, pattern)
		conds = append(conds, fmt.Sprintf("topic ~ $%d", len(args)))
	}
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("ts <= $%d", len(args)))
	}

	sql := `SELECT ` + readingColumns + ` FROM sensor_readings`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, storage.ClampLimit(limit))
	sql += fmt.Sprintf(` ORDER BY ts DESC, received_at DESC LIMIT $%d`, len(args))

	return s.queryReadings(ctx, "Range", sql, args...)
}

// Counts returns the total and per-topic reading counts
func (s *Store) Counts(ctx context.Context) (*storage.Counts, error) {
	if err := s.guard("Counts"); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT topic, count(*) FROM sensor_readings GROUP BY topic`)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Counts", "query counts")
	}
	defer rows.Close()

	counts := &storage.Counts{PerTopic: make(map[string]int64)}
	for rows.Next() {
		var topic string
		var n int64
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, errors.WrapTransient(err, "postgres.Store", "Counts", "scan count row")
		}
		counts.PerTopic[topic] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Counts", "iterate count rows")
	}
	return counts, nil
}

// DeleteOlderThan removes readings with timestamps before cutoff
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.guard("DeleteOlderThan"); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM sensor_readings WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, errors.WrapTransient(err, "postgres.Store", "DeleteOlderThan", "delete readings")
	}
	removed := tag.RowsAffected()
	if removed > 0 {
		s.logger.Info("removed expired readings", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// DeleteByTopic removes every reading whose topic matches the regular
// expression. Anchor the pattern to delete a single topic.
func (s *Store) DeleteByTopic(ctx context.Context, pattern string) (int64, error) {
	if err := s.guard("DeleteByTopic"); err != nil {
		return 0, err
	}
	if pattern == "" {
		return 0, errors.WrapInvalid(errors.ErrEmptyTopic, "postgres.Store", "DeleteByTopic", "pattern required")
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM sensor_readings WHERE topic ~ $1`, pattern)
	if err != nil {
		return 0, errors.WrapTransient(err, "postgres.Store", "DeleteByTopic", "delete readings")
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard("Ping"); err != nil {
		return err
	}
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "postgres.Store", "Ping", "ping database")
	}
	return nil
}

// Close releases the connection pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}
