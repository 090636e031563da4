// Package bootstrap wires the process: configuration, logging, telemetry,
// stores, venue sessions and the engine, run under one errgroup with signal
// handling.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	"grid_engine/internal/engine"
	"grid_engine/internal/exchange"
	"grid_engine/internal/exchange/binance"
	"grid_engine/internal/exchange/proxy"
	"grid_engine/internal/infrastructure/health"
	"grid_engine/internal/infrastructure/metrics"
	"grid_engine/internal/oracle"
	"grid_engine/internal/store"
	"grid_engine/internal/vault"
	"grid_engine/pkg/logging"
	"grid_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the assembled dependencies of one engine process.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Telemetry *telemetry.Telemetry
	Store     *store.SQLiteStore
	Vault     *vault.FileVault
	Proxies   *proxy.Pool
	Sessions  *exchange.SessionManager
	Engine    *engine.Engine
	Health    *health.Manager
	Metrics   *metrics.Server
}

// NewApp bootstraps all dependencies from a config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("grid_engine")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("grid_engine")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	secretVault, err := vault.NewFileVault(cfg.App.VaultPath, db, logger)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	proxies := proxy.NewPool(cfg.Proxies.Endpoints,
		time.Duration(cfg.Proxies.CooldownInitial)*time.Second,
		time.Duration(cfg.Proxies.CooldownMax)*time.Second,
		logger)
	// Recovery must prove the venue answers through the proxy, not just that
	// the proxy accepts connections.
	proxies.SetProbe(binance.NewProxyProbe(
		cfg.Venue.RESTBaseURL(false), cfg.Venue.RequestTimeoutDuration()))

	sessions := exchange.NewSessionManager(cfg, secretVault, proxies, logger)
	advisor := oracle.New(cfg.Oracle, logger)
	eng := engine.New(cfg, db, sessions, advisor, logger)

	hm := health.NewManager(logger)
	hm.Register("store", func() error {
		_, err := db.ListBotsByState(context.Background(), core.BotStateActive)
		return err
	})
	hm.Register("venue_clock", func() error {
		maxAge := 3 * time.Duration(cfg.Timing.ClockSyncInterval) * time.Second
		return sessions.ClockHealth(maxAge)
	})
	hm.Register("ingest", func() error {
		if backlog := eng.IngestBacklog(); backlog >= cfg.Concurrency.IngestPoolBuffer {
			return fmt.Errorf("ingest lane saturated (%d queued)", backlog)
		}
		return nil
	})

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
		Store:     db,
		Vault:     secretVault,
		Proxies:   proxies,
		Sessions:  sessions,
		Engine:    eng,
		Health:    hm,
	}
	if cfg.Telemetry.EnableMetrics {
		app.Metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger)
	}
	return app, nil
}

// Run starts the engine and blocks until a termination signal or a fatal
// component error, then shuts everything down within the grace period.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting grid engine")

	if err := a.Sessions.Start(ctx); err != nil {
		return err
	}
	if a.Metrics != nil {
		a.Metrics.Start()
	}

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("engine startup: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.proxyRecoverLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()

	a.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.Cfg.Timing.ShutdownGrace)*time.Second)
	defer cancel()

	a.Engine.Shutdown(shutdownCtx)
	a.Sessions.Stop()
	if a.Metrics != nil {
		if merr := a.Metrics.Stop(shutdownCtx); merr != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", merr)
		}
	}
	if serr := a.Store.Close(); serr != nil {
		a.Logger.Warn("Store close failed", "error", serr)
	}
	if terr := a.Telemetry.Shutdown(shutdownCtx); terr != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", terr)
	}

	if err != nil && err != context.Canceled {
		return err
	}
	a.Logger.Info("Shut down gracefully")
	return nil
}

// proxyRecoverLoop periodically probes cooled-down proxies back to health.
func (a *App) proxyRecoverLoop(ctx context.Context) {
	interval := time.Duration(a.Cfg.Proxies.CooldownInitial) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Proxies.Recover(ctx)
		}
	}
}
