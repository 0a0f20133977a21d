// Package main implements the entry point for the SensorHub application.
// SensorHub ingests IoT sensor telemetry over MQTT, normalizes and persists
// the readings, and fans them out to WebSocket observers in real time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridpoint/sensorhub/cache"
	"github.com/gridpoint/sensorhub/config"
	"github.com/gridpoint/sensorhub/fanout"
	"github.com/gridpoint/sensorhub/health"
	"github.com/gridpoint/sensorhub/ingest"
	"github.com/gridpoint/sensorhub/metric"
	"github.com/gridpoint/sensorhub/normalize"
	"github.com/gridpoint/sensorhub/query"
	"github.com/gridpoint/sensorhub/storage"
	"github.com/gridpoint/sensorhub/storage/memstore"
	"github.com/gridpoint/sensorhub/storage/postgres"
	"github.com/gridpoint/sensorhub/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sensorhub"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	latestCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = latestCache.Close() }()

	engine, err := query.NewEngine(store,
		query.WithCache(latestCache),
		query.WithLogger(slog.Default()),
		query.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("create query engine: %w", err)
	}

	hub := fanout.NewHub(fanout.Config{
		Addr:         cfg.WebSocket.Addr,
		Path:         cfg.WebSocket.Path,
		Engine:       engine,
		SnapshotSize: cfg.WebSocket.SnapshotSize,
		Logger:       slog.Default(),
		Metrics:      metrics,
	})
	if err := hub.Initialize(); err != nil {
		return fmt.Errorf("initialize websocket hub: %w", err)
	}
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start websocket hub: %w", err)
	}

	mqttTransport, err := buildTransport(cfg, metrics)
	if err != nil {
		return err
	}

	normalizer := normalize.New(
		normalize.WithLogger(slog.Default()),
		normalize.WithFallbackCounter(metrics.TimestampFallbacks),
	)

	pipeline, err := ingest.NewPipeline(ingest.Config{
		Transport:  mqttTransport,
		Normalizer: normalizer,
		Store:      store,
		Cache:      latestCache,
		Hub:        hub,
		Logger:     slog.Default(),
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	janitor, err := query.NewJanitor(engine, cfg.Retention.Days, cfg.RetentionInterval())
	if err != nil {
		return fmt.Errorf("create retention janitor: %w", err)
	}
	deletedCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorhub",
		Subsystem: "janitor",
		Name:      "readings_deleted_total",
		Help:      "Total readings removed by retention sweeps",
	})
	if err := registry.RegisterCounter("janitor", "readings_deleted_total", deletedCounter); err != nil {
		return fmt.Errorf("register janitor counter: %w", err)
	}
	janitor.SetDeletedCounter(deletedCounter)
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start retention janitor: %w", err)
	}

	monitor := buildHealthMonitor(store, mqttTransport, latestCache)
	opsServer := startOpsServer(cfg, registry, monitor)

	slog.Info("SensorHub started",
		"broker_mode", cfg.Broker.Mode,
		"storage_driver", cfg.Storage.Driver,
		"topics", cfg.Broker.Topics)

	return waitForShutdown(ctx, cliCfg.ShutdownTimeout, janitor, pipeline, hub, opsServer)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting SensorHub",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// openStore creates the persistence backend selected by configuration
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.Storage.URL, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return store, nil
	case config.DriverMemory:
		slog.Warn("Using in-memory storage, readings will not survive restarts")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openCache connects the optional latest-reading cache. Returns a nil
// cache when disabled, which every caller treats as a no-op.
func openCache(ctx context.Context, cfg *config.Config) (*cache.LatestCache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	c, err := cache.New(ctx, cfg.Cache.Addr, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return c, nil
}

// buildTransport creates the embedded broker or external client
func buildTransport(cfg *config.Config, metrics *metric.Metrics) (transport.Transport, error) {
	opts := []transport.Option{
		transport.WithClientID(cfg.Broker.ClientID),
		transport.WithSubscriptions(cfg.Broker.Topics...),
		transport.WithQoS(byte(cfg.Broker.QoS)),
		transport.WithLogger(slog.Default()),
		transport.WithMetrics(metrics),
	}

	switch cfg.Broker.Mode {
	case config.ModeEmbedded:
		broker, err := transport.NewEmbeddedBroker(cfg.Broker.Listen, opts...)
		if err != nil {
			return nil, fmt.Errorf("create embedded broker: %w", err)
		}
		return broker, nil
	case config.ModeExternal:
		opts = append(opts,
			transport.WithReconnectWait(cfg.ReconnectWaitDuration()),
			transport.WithMaxReconnects(cfg.Broker.MaxReconnects),
		)
		if cfg.Broker.Username != "" {
			opts = append(opts, transport.WithCredentials(cfg.Broker.Username, cfg.Broker.Password))
		}
		client, err := transport.NewExternalClient(cfg.Broker.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create mqtt client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
	}
}

// buildHealthMonitor registers subsystem checks for the health endpoint
func buildHealthMonitor(
	store storage.Store,
	mqttTransport transport.Transport,
	latestCache *cache.LatestCache,
) *health.Monitor {
	monitor := health.NewMonitor(appName, slog.Default())

	monitor.Register("storage", func(ctx context.Context) health.Status {
		if err := store.Ping(ctx); err != nil {
			return health.Unhealthy("storage", err.Error())
		}
		return health.Healthy("storage")
	})

	monitor.Register("transport", func(ctx context.Context) health.Status {
		switch status := mqttTransport.Status(); status {
		case transport.StatusConnected:
			return health.Healthy("transport")
		case transport.StatusConnecting, transport.StatusReconnecting:
			return health.Degraded("transport", status.String())
		default:
			return health.Unhealthy("transport", status.String())
		}
	})

	if latestCache != nil {
		monitor.Register("cache", func(ctx context.Context) health.Status {
			// cache is best-effort, an unreachable redis only degrades
			if err := latestCache.Ping(ctx); err != nil {
				return health.Degraded("cache", err.Error())
			}
			return health.Healthy("cache")
		})
	}

	return monitor
}

// startOpsServer serves the health endpoint and, when enabled, the
// Prometheus metrics endpoint.
func startOpsServer(cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor) *http.Server {
	if cfg.Metrics.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", registry.Handler())
	}

	server := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Ops endpoint listening", "addr", cfg.Metrics.Addr, "metrics", cfg.Metrics.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Ops server failed", "error", err)
		}
	}()

	return server
}

// waitForShutdown blocks until a termination signal, then stops
// components in reverse dependency order.
func waitForShutdown(
	ctx context.Context,
	timeout time.Duration,
	janitor *query.Janitor,
	pipeline *ingest.Pipeline,
	hub *fanout.Hub,
	opsServer *http.Server,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	var failed bool

	if err := janitor.Stop(timeout); err != nil {
		slog.Error("Error stopping retention janitor", "error", err)
		failed = true
	}
	if err := pipeline.Stop(timeout); err != nil {
		slog.Error("Error stopping pipeline", "error", err)
		failed = true
	}
	if err := hub.Stop(timeout); err != nil {
		slog.Error("Error stopping websocket hub", "error", err)
		failed = true
	}

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error stopping ops server", "error", err)
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("graceful shutdown incomplete")
	}

	slog.Info("SensorHub shutdown complete")
	return nil
}
