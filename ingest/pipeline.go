// Package ingest wires the transport to persistence and fan-out: every
// broker message is normalized, validated, stored, cached and broadcast.
// Bad payloads are dropped with a log line and a counter; they never stop
// the stream.
package ingest

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gridpoint/sensorhub/cache"
	"github.com/gridpoint/sensorhub/errors"
	"github.com/gridpoint/sensorhub/metric"
	"github.com/gridpoint/sensorhub/normalize"
	"github.com/gridpoint/sensorhub/reading"
	"github.com/gridpoint/sensorhub/storage"
	"github.com/gridpoint/sensorhub/transport"
)

// Broadcaster receives every reading the pipeline persists
type Broadcaster interface {
	Broadcast(r *reading.CanonicalReading)
}

// Pipeline is the ingestion path from broker to store
type Pipeline struct {
	transport  transport.Transport
	normalizer *normalize.Normalizer
	store      storage.Store
	cache      *cache.LatestCache
	hub        Broadcaster
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu      sync.Mutex
	started bool
}

// Config holds Pipeline construction parameters
type Config struct {
	Transport  transport.Transport
	Normalizer *normalize.Normalizer
	Store      storage.Store
	Cache      *cache.LatestCache // nil disables caching
	Hub        Broadcaster        // nil disables fan-out
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "transport required")
	}
	if cfg.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "store required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		transport:  cfg.Transport,
		normalizer: cfg.Normalizer,
		store:      cfg.Store,
		cache:      cfg.Cache,
		hub:        cfg.Hub,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Initialize prepares the pipeline for startup
func (p *Pipeline) Initialize() error {
	return nil
}

// Start registers the message handler and starts the transport
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Pipeline", "Start", "already started")
	}

	p.transport.OnMessage(p.handleMessage)
	if err := p.transport.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start transport")
	}

	p.started = true
	p.logger.Info("ingestion pipeline started")
	return nil
}

// Stop closes the transport, waiting up to timeout
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return errors.Wrap(errors.ErrNotStarted, "Pipeline", "Stop", "not started")
	}
	p.started = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.transport.Close(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Stop", "close transport")
	}

	p.logger.Info("ingestion pipeline stopped")
	return nil
}

// handleMessage processes one broker message end to end
func (p *Pipeline) handleMessage(ctx context.Context, topic string, payload []byte) {
	start := time.Now()

	r, err := p.normalizer.Normalize(topic, payload)
	if err != nil {
		p.drop(topic, "parse", err)
		return
	}

	stored, err := p.store.Insert(ctx, r)
	if err != nil {
		if errors.IsInvalid(err) {
			p.drop(topic, "validation", err)
			return
		}
		p.logger.Error("persist reading failed", "topic", topic, "error", err)
		if p.metrics != nil {
			p.metrics.RecordError("pipeline", "persist")
		}
		return
	}

	// Cache is best-effort; Postgres already has the reading.
	if err := p.cache.SetLatest(ctx, stored); err != nil && !stderrors.Is(err, context.Canceled) {
		p.logger.Warn("cache update failed", "topic", topic, "error", err)
		if p.metrics != nil {
			p.metrics.RecordError("pipeline", "cache")
		}
	}

	if p.hub != nil {
		p.hub.Broadcast(stored)
	}

	if p.metrics != nil {
		p.metrics.RecordMessageProcessed("pipeline", "ok")
		p.metrics.RecordProcessingDuration("pipeline", "handle_message", time.Since(start))
	}
}

// drop logs and counts a rejected message
func (p *Pipeline) drop(topic, reason string, err error) {
	p.logger.Warn("dropped message", "topic", topic, "reason", reason, "error", err)
	if p.metrics != nil {
		p.metrics.RecordMessageDropped("pipeline", reason)
	}
}
