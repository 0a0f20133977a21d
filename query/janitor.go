package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridpoint/sensorhub/errors"
)

// DefaultCleanupInterval is how often the janitor sweeps expired readings
const DefaultCleanupInterval = time.Hour

// Janitor periodically deletes readings older than the retention period.
type Janitor struct {
	engine   *Engine
	days     int
	interval time.Duration
	logger   *slog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	deleted prometheus.Counter

	mu      sync.Mutex
	started bool
}

// NewJanitor creates a retention janitor. Non-positive days or interval
// fall back to the defaults.
func NewJanitor(engine *Engine, days int, interval time.Duration) (*Janitor, error) {
	if engine == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Janitor", "NewJanitor", "engine required")
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Janitor{
		engine:   engine,
		days:     days,
		interval: interval,
		logger:   engine.logger,
		done:     make(chan struct{}),
	}, nil
}

// SetDeletedCounter attaches a counter that tracks how many readings
// the sweeps have removed. A nil counter leaves tracking disabled.
func (j *Janitor) SetDeletedCounter(c prometheus.Counter) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deleted = c
}

// Initialize prepares the janitor for startup
func (j *Janitor) Initialize() error {
	return nil
}

// Start begins the periodic sweep. One sweep runs immediately so a
// restart never extends retention past the configured period.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Janitor", "Start", "already started")
	}
	j.started = true

	j.wg.Add(1)
	go j.run(ctx)
	return nil
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	removed, err := j.engine.Cleanup(ctx, j.days)
	if err != nil {
		j.logger.Error("retention sweep failed", "error", err)
		return
	}

	j.mu.Lock()
	deleted := j.deleted
	j.mu.Unlock()
	if deleted != nil && removed > 0 {
		deleted.Add(float64(removed))
	}
}

// Stop halts the sweep loop, waiting up to timeout for it to finish
func (j *Janitor) Stop(timeout time.Duration) error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return errors.Wrap(errors.ErrNotStarted, "Janitor", "Stop", "not started")
	}
	select {
	case <-j.done:
	default:
		close(j.done)
	}
	j.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrShuttingDown, "Janitor", "Stop", "timed out waiting for sweep loop")
	}
}
