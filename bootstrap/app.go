// Package bootstrap wires the pipeline together and owns its lifecycle:
// store, ruleset, watcher, scan pool, stream ingester, correlation engine,
// and the API server.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/core"
	"argus/correlate"
	"argus/ingest"
	"argus/rules"
	"argus/scan"
	"argus/storage"
	"argus/watch"

	"go.uber.org/zap"
)

// App holds every component of the running service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite  *storage.SQLite
	Store   *storage.AlertStore
	Rules   *rules.Holder
	Health  *core.HealthRegistry
	Watcher *watch.Watcher
	Pool    *scan.Pool
	Reader  *ingest.Reader
	Engine  *correlate.Engine
	API     *api.API

	cancel context.CancelFunc
	apiErr chan error
}

// NewApp creates the application and initializes all components. Any
// failure here is fatal: the process must not start half-wired.
func NewApp() (*App, error) {
	app := &App{apiErr: make(chan error, 1)}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Argus starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, storage.Options{
		ReadPoolSize:   cfg.ReadPoolSize(),
		AcquireTimeout: cfg.Storage.AcquireTimeout,
		BusyTimeoutMS:  cfg.Storage.BusyTimeoutMS,
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}
	app.SQLite = sqlite

	store, err := storage.NewAlertStore(sqlite, sugar)
	if err != nil {
		sqlite.Close()
		return nil, err
	}
	app.Store = store

	// An unloadable ruleset is a startup failure, not a degraded state.
	holder, err := rules.NewHolder(cfg.Rules.Dir, sugar)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	app.Rules = holder
	sugar.Infow("Ruleset compiled", "rules", holder.Load().Len(), "dir", cfg.Rules.Dir)

	app.Health = core.NewHealthRegistry()

	backend, err := watch.NewBackend(cfg.Watcher.Backend, cfg.Watcher.Dir, cfg.Watcher.PollInterval, sugar)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to create watch backend: %w", err)
	}

	watcher, err := watch.NewWatcher(cfg.Watcher, backend, app.Health, sugar)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	app.Watcher = watcher

	scanner := scan.NewScanner(cfg.Scanner, holder, store, app.Health, sugar)
	app.Pool = scan.NewPool(cfg.Scanner.Workers, scanner, watcher.Tasks(), sugar)

	if cfg.Ingest.Enabled {
		app.Reader = ingest.NewReader(cfg.Ingest, store, app.Health, sugar)
	}
	if cfg.Correlation.Enabled {
		app.Engine = correlate.NewEngine(cfg.Correlation, store, app.Health, sugar)
	}

	app.API = api.NewAPI(store, app.Engine, holder, app.Health, cfg, sugar)

	return app, nil
}

// Start brings the pipeline up: consumers before producers, so no task is
// emitted into a queue nothing drains.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Pool.Start(runCtx)

	if err := a.Watcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if a.Reader != nil {
		if err := a.Reader.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start stream ingester: %w", err)
		}
	}

	if a.Engine != nil {
		a.Engine.Start(runCtx)
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
		a.Sugar.Infof("API server listening on %s", addr)
		if err := a.API.Start(addr); err != nil && err != http.ErrServerClosed {
			a.apiErr <- err
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives or the API server
// fails.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
		a.Sugar.Info("Shutdown signal received")
	case err := <-a.apiErr:
		a.Sugar.Errorw("API server failed", "error", err)
	}
}

// Shutdown stops components in dependency order: producers first so the
// task queue drains, then workers, then the periodic services, then the
// API, then the store.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - stop the watcher; it closes the task queue, which is the
	// workers' end-of-stream marker.
	a.Sugar.Info("Phase 1: Stopping watcher...")
	a.Watcher.Stop()

	// Phase 2 - let in-flight scans finish.
	a.Sugar.Info("Phase 2: Draining scan workers...")
	a.Pool.Stop(10 * time.Second)

	// Phase 3 - stop the periodic services.
	a.Sugar.Info("Phase 3: Stopping ingester and correlation engine...")
	if a.Reader != nil {
		a.Reader.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}

	// Phase 4 - stop the API server.
	a.Sugar.Info("Phase 4: Stopping API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.API.Stop(ctx); err != nil {
		a.Sugar.Errorw("Failed to stop API server", "error", err)
	}

	// Phase 5 - close the store last; everything above writes through it.
	a.Sugar.Info("Phase 5: Closing alert store...")
	a.SQLite.Close()

	if a.cancel != nil {
		a.cancel()
	}

	a.Sugar.Info("Shutdown complete")
	a.Logger.Sync()
}
