// Package memstore provides an in-memory reading store. It backs tests
// and broker-only deployments where persistence across restarts is not
// needed; semantics match the postgres backend.
package memstore

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/reading"
	"github.com/gridpoint/sensorhub/storage"
)

// Store keeps readings in a slice guarded by a RWMutex
type Store struct {
	mu       sync.RWMutex
	readings []*reading.CanonicalReading
	closed   atomic.Bool

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{now: time.Now}
}

// SetClock replaces the wall clock (for testing)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) guard(method string) error {
	if s.closed.Load() {
		return errors.Wrap(errors.ErrStorageUnavailable, "memstore.Store", method, "store closed")
	}
	return nil
}

// Insert stores a copy of the reading with a generated ID
func (s *Store) Insert(_ context.Context, r *reading.CanonicalReading) (*reading.CanonicalReading, error) {
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

	s.mu.Lock()
	s.readings = append(s.readings, &stored)
	s.mu.Unlock()

	copied := stored
	return &copied, nil
}

// snapshotNewestFirst copies matching readings sorted newest first.
// Ties on the device timestamp fall back to arrival order, later first.
func (s *Store) snapshotNewestFirst(match func(*reading.CanonicalReading) bool) []*reading.CanonicalReading {
	s.mu.RLock()
	indexed := make([]int, 0, len(s.readings))
	out := make([]*reading.CanonicalReading, 0, len(s.readings))
	for i, r := range s.readings {
		if match == nil || match(r) {
			indexed = append(indexed, i)
			copied := *r
			out = append(out, &copied)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].Timestamp.After(out[b].Timestamp)
		}
		return indexed[a] > indexed[b]
	})
	return out
}

// List returns one page of readings, newest first
func (s *Store) List(_ context.Context, page, limit int) (*storage.ReadingPage, error) {
	if err := s.guard("List"); err != nil {
		return nil, err
	}

	page = storage.ClampPage(page)
	limit = storage.ClampLimit(limit)

	all := s.snapshotNewestFirst(nil)
	total := int64(len(all))

	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	return &storage.ReadingPage{
		Readings: all[start:end],
		PageInfo: storage.NewPageInfo(page, limit, total),
	}, nil
}

// ByTopic returns readings whose topic matches the regular expression
func (s *Store) ByTopic(_ context.Context, pattern string, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("ByTopic"); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WrapInvalid(err, "memstore.Store", "ByTopic", "compile topic pattern")
	}

	limit = storage.ClampLimit(limit)
	matched := s.snapshotNewestFirst(func(r *reading.CanonicalReading) bool {
		return re.MatchString(r.Topic)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// BySensor returns readings for one sensor ID
func (s *Store) BySensor(_ context.Context, sensorID string, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("BySensor"); err != nil {
		return nil, err
	}

	limit = storage.ClampLimit(limit)
	matched := s.snapshotNewestFirst(func(r *reading.CanonicalReading) bool {
		return r.SensorID == sensorID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// LatestPerTopic returns the newest reading for each topic
func (s *Store) LatestPerTopic(_ context.Context) ([]*reading.CanonicalReading, error) {
	if err := s.guard("LatestPerTopic"); err != nil {
		return nil, err
	}

	all := s.snapshotNewestFirst(nil)
	seen := make(map[string]bool, len(all))
	out := make([]*reading.CanonicalReading, 0, len(all))
	for _, r := range all {
		if seen[r.Topic] {
			continue
		}
		seen[r.Topic] = true
		out = append(out, r)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Topic < out[b].Topic })
	return out, nil
}

// StatsPerTopic returns per-topic aggregates sorted by topic
func (s *Store) StatsPerTopic(_ context.Context) ([]storage.TopicStats, error) {
	if err := s.guard("StatsPerTopic"); err != nil {
		return nil, err
	}

	type agg struct {
		count                          int64
		tempSum, humSum, presSum       float64
		tempCount, humCount, presCount int64
		last                           time.Time
	}

	s.mu.RLock()
	byTopic := make(map[string]*agg)
	for _, r := range s.readings {
		a := byTopic[r.Topic]
		if a == nil {
			a = &agg{}
			byTopic[r.Topic] = a
		}
		a.count++
		if r.Temperature != nil {
			a.tempSum += *r.Temperature
			a.tempCount++
		}
		if r.Humidity != nil {
			a.humSum += *r.Humidity
			a.humCount++
		}
		if r.Pressure != nil {
			a.presSum += *r.Pressure
			a.presCount++
		}
		if r.Timestamp.After(a.last) {
			a.last = r.Timestamp
		}
	}
	s.mu.RUnlock()

	out := make([]storage.TopicStats, 0, len(byTopic))
	for topic, a := range byTopic {
		st := storage.TopicStats{Topic: topic, Count: a.count, LastTimestamp: a.last}
		if a.tempCount > 0 {
			st.AvgTemperature = reading.Float(a.tempSum / float64(a.tempCount))
		}
		if a.humCount > 0 {
			st.AvgHumidity = reading.Float(a.humSum / float64(a.humCount))
		}
		if a.presCount > 0 {
			st.AvgPressure = reading.Float(a.presSum / float64(a.presCount))
		}
		out = append(out, st)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Topic < out[b].Topic })
	return out, nil
}

// Range returns readings with device timestamps in [from, to], optionally
// narrowed to topics matching pattern. Zero bounds are unbounded.
func (s *Store) Range(_ context.Context, pattern string, from, to time.Time, limit int) ([]*reading.CanonicalReading, error) {
	if err := s.guard("Range"); err != nil {
		return nil, err
	}

	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, errors.WrapInvalid(err, "memstore.Store", "Range", "compile topic pattern")
		}
	}

	limit = storage.ClampLimit(limit)
	matched := s.snapshotNewestFirst(func(r *reading.CanonicalReading) bool {
		if re != nil && !re.MatchString(r.Topic) {
			return false
		}
		if !from.IsZero() && r.Timestamp.Before(from) {
			return false
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			return false
		}
		return true
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Counts returns the total and per-topic reading counts
func (s *Store) Counts(_ context.Context) (*storage.Counts, error) {
	if err := s.guard("Counts"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := &storage.Counts{
		Total:    int64(len(s.readings)),
		PerTopic: make(map[string]int64),
	}
	for _, r := range s.readings {
		counts.PerTopic[r.Topic]++
	}
	return counts, nil
}

// DeleteOlderThan removes readings with timestamps before cutoff
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.guard("DeleteOlderThan"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.readings[:0]
	var removed int64
	for _, r := range s.readings {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.readings = kept
	return removed, nil
}

// DeleteByTopic removes every reading whose topic matches the regular
// expression. Anchor the pattern to delete a single topic.
func (s *Store) DeleteByTopic(_ context.Context, pattern string) (int64, error) {
	if err := s.guard("DeleteByTopic"); err != nil {
		return 0, err
	}
	if pattern == "" {
		return 0, errors.WrapInvalid(errors.ErrEmptyTopic, "memstore.Store", "DeleteByTopic", "pattern required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, errors.WrapInvalid(err, "memstore.Store", "DeleteByTopic", "compile topic pattern")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.readings[:0]
	var removed int64
	for _, r := range s.readings {
		if re.MatchString(r.Topic) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.readings = kept
	return removed, nil
}

// Ping reports whether the store is open
func (s *Store) Ping(_ context.Context) error {
	return s.guard("Ping")
}

// Close marks the store closed. Idempotent.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
