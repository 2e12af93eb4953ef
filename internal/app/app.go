package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/dkim"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/queue"
	"github.com/foxzi/courier/internal/relay"
	"github.com/foxzi/courier/internal/worker"
)

// App is the delivery daemon
type App struct {
	config        *config.Config
	storage       queue.Storage
	pool          *worker.Pool
	metrics       *metrics.Metrics
	collector     *metrics.Collector
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Logging)

	storage, err := queue.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a, err := build(cfg, storage, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, storage queue.Storage, logger *slog.Logger) (*App, error) {
	ctx := context.Background()

	added, err := SeedServers(ctx, storage, cfg.Relay.Servers)
	if err != nil {
		return nil, fmt.Errorf("failed to seed relay servers: %w", err)
	}
	if added > 0 {
		logger.Info("relay servers seeded from config", "added", added)
	}

	client := relay.NewClient(storage, cfg.Relay.Hostname, cfg.Relay.Timeout, logger.With("component", "relay"))
	if cfg.Relay.DKIM.Enabled {
		signer, err := dkim.New(cfg.Relay.DKIM.Signer())
		if err != nil {
			return nil, fmt.Errorf("failed to create DKIM signer: %w", err)
		}
		client.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	m := metrics.New()

	claims := claim.NewManager(storage, cfg.Pool.MaxTries, logger.With("component", "claim"))

	deliverer := worker.NewDeliverer(claims, client, worker.DelivererConfig{
		SendTimeout:   cfg.Relay.Timeout,
		RetryInterval: cfg.Pool.Retry(),
	}, m, logger.With("component", "deliverer"))

	reaper := worker.NewReaper(claims, storage, worker.ReaperConfig{
		ClaimTimeout:   cfg.Pool.ClaimTimeout,
		Interval:       cfg.Pool.ReapInterval,
		CompleteMaxAge: cfg.Storage.Retention.CompleteMaxAge,
	}, m, logger.With("component", "reaper"))

	pool := worker.NewPool(claims, deliverer, reaper, worker.PoolConfig{
		Workers:      cfg.Pool.Workers,
		PollInterval: cfg.Pool.PollInterval,
		PollJitter:   cfg.Pool.PollJitter,
	}, m, logger.With("component", "pool"))

	a := &App{
		config:  cfg,
		storage: storage,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}

	if cfg.Metrics.Enabled {
		// Database size is only known for file backed stores
		storagePath := cfg.Storage.Path
		if cfg.Storage.Driver == queue.DriverPostgres {
			storagePath = ""
		}
		a.collector = metrics.NewCollector(m, storage, storagePath, cfg.Metrics.CollectInterval, logger.With("component", "metrics_collector"))
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics_server"))
		a.metricsServer.SetHealthCheck(func(ctx context.Context) error {
			_, err := storage.Stats(ctx)
			return err
		})
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting courier",
		"storage_driver", a.config.Storage.Driver,
		"storage_path", a.config.Storage.Path,
		"workers", a.config.Pool.Workers,
		"max_tries", a.config.Pool.MaxTries,
		"metrics_enabled", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Workers get a context of their own so a shutdown signal reaches them
	// only through Pool.Stop, between claims
	a.pool.Start(context.WithoutCancel(ctx))

	errCh := make(chan error, 1)

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops claiming, waits for in-flight emails and closes storage
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.pool.Stop()

	if a.metricsServer != nil {
		a.collector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SeedServers adds the configured relay servers missing from the store,
// matched by host and port
func SeedServers(ctx context.Context, store queue.ServerStore, servers []relay.Server) (int, error) {
	if len(servers) == 0 {
		return 0, nil
	}

	existing, err := store.ListServers(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool, len(existing))
	for _, srv := range existing {
		known[srv.Addr()] = true
	}

	added := 0
	for _, srv := range servers {
		if known[srv.Addr()] {
			continue
		}
		srv.ID = ""
		if err := store.AddServer(ctx, &srv); err != nil {
			return added, err
		}
		known[srv.Addr()] = true
		added++
	}

	return added, nil
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
