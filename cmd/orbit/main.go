// Command orbit launches the order and position lifecycle engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orbit/internal/app/engine"
	"github.com/coachpo/orbit/internal/domain/eventstore"
	"github.com/coachpo/orbit/internal/domain/orderstore"
	"github.com/coachpo/orbit/internal/infra/adapters/feed"
	"github.com/coachpo/orbit/internal/infra/adapters/paper"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/config"
	"github.com/coachpo/orbit/internal/infra/persistence/migrations"
	"github.com/coachpo/orbit/internal/infra/persistence/postgres"
	"github.com/coachpo/orbit/internal/infra/persistence/sqlite"
	httpserver "github.com/coachpo/orbit/internal/infra/server/http"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	orbitLoggerPrefix            = "orbit "
	poolMetricsName              = "orbit"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	engineShutdownTimeout        = 10 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newOrbitLogger()
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, instruments=%d, backend=%s",
		appCfg.Environment, len(appCfg.Instruments), appCfg.EventLog.Backend)

	appStore, err := config.NewAppConfigStore(appCfg, config.FilePersister(configPath))
	if err != nil {
		logger.Fatalf("initialise app config store: %v", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	stores, err := openStores(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("open event store: %v", err)
	}

	eventLog := newEventLog(logger, appCfg.EventLog, stores.events)
	broker := paper.New(
		paper.WithLogger(log.New(os.Stdout, "paper ", log.LstdFlags|log.Lmicroseconds)),
		paper.WithFillSlices(appCfg.Broker.Paper.FillSlices),
		paper.WithFillLatency(appCfg.Broker.Paper.FillLatency),
	)

	eng, err := engine.New(appCfg, engine.Deps{
		Log:        eventLog,
		Gateway:    broker,
		OrderStore: stores.orders,
	}, engine.WithLogger(logger))
	if err != nil {
		logger.Fatalf("build engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatalf("start engine: %v", err)
	}

	var lifecycle conc.WaitGroup
	startFeeds(ctx, &lifecycle, logger, appCfg.Feeds, eng, eventLog)

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, eng, appStore)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("orbit started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     eng,
		broker:     broker,
		eventLog:   eventLog,
		stores:     stores,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newOrbitLogger() *log.Logger {
	return log.New(os.Stdout, orbitLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type storeSet struct {
	events eventstore.Store
	orders orderstore.Store
	pool   *pgxpool.Pool
}

func (s storeSet) close() error {
	var err error
	if s.events != nil {
		err = s.events.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func openStores(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (storeSet, error) {
	var out storeSet
	switch cfg.EventLog.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.EventLog.SQLitePath)
		if err != nil {
			return out, err
		}
		out.events = store
		logger.Printf("event log: sqlite %s", cfg.EventLog.SQLitePath)
	case config.BackendMemory:
		out.events = eventlog.NewMemoryStore()
		logger.Print("event log: in-memory; state will not survive a restart")
	}
	if !cfg.UsesPostgres() {
		return out, nil
	}

	pool, err := openPool(ctx, logger, cfg.Database)
	if err != nil {
		_ = out.close()
		return storeSet{}, err
	}
	out.pool = pool
	pg := postgres.New(pool)
	if cfg.EventLog.Backend == config.BackendPostgres {
		out.events = pg.Events
		logger.Print("event log: postgres")
	}
	if cfg.OMS.PersistOrders {
		out.orders = pg.Orders
		logger.Print("order audit: postgres")
	}
	return out, nil
}

func openPool(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := postgres.ObservePoolMetrics(pool, poolMetricsName); err != nil {
		logger.Printf("database pool metrics disabled: %v", err)
	}
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

func newEventLog(logger *log.Logger, cfg config.EventLogConfig, store eventstore.Store) *eventlog.Log {
	return eventlog.New(store,
		eventlog.WithLogger(log.New(os.Stdout, "eventlog ", log.LstdFlags|log.Lmicroseconds)),
		eventlog.WithPublishRetry(cfg.PublishRetry.Policy()),
		eventlog.WithHandlerRetry(cfg.HandlerRetry.Policy()),
		eventlog.WithPollInterval(cfg.PollInterval),
		eventlog.WithCommitInterval(cfg.CommitInterval),
		eventlog.WithBatchSize(cfg.BatchSize),
		eventlog.WithAlertHandler(func(alert eventlog.Alert) {
			logger.Printf("ALERT consumer=%s topic=%s key=%s offset=%d: %v",
				alert.Consumer, alert.Topic, alert.Key, alert.Offset, alert.Err)
		}),
	)
}

func startFeeds(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.FeedsConfig, eng *engine.Engine, publisher eventlog.Publisher) {
	feedLogger := log.New(os.Stdout, "feed ", log.LstdFlags|log.Lmicroseconds)
	opts := []feed.Option{feed.WithLogger(feedLogger), feed.WithInstruments(eng.Instruments)}

	type runner interface{ Run(context.Context) error }
	start := func(name string, r runner) {
		lifecycle.Go(func() {
			if err := r.Run(ctx); err != nil {
				logger.Printf("%s feed: %v", name, err)
				return
			}
			logger.Printf("%s feed finished", name)
		})
	}

	switch {
	case cfg.Ticks.URL != "":
		start("tick", feed.NewWebSocketFeed(cfg.Ticks.URL, publisher, opts...))
	case cfg.Ticks.Path != "":
		start("tick", feed.NewTickFile(cfg.Ticks.Path, publisher, opts...))
	default:
		logger.Print("no tick feed configured")
	}
	if cfg.SignalsPath != "" {
		start("signal", feed.NewSignalFile(cfg.SignalsPath, publisher, opts...))
	}
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, eng *engine.Engine, appStore *config.AppConfigStore) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Environment: env,
		Orders:      eng.OMS,
		Positions:   eng.Positions,
		Risk:        eng.Risk,
		ConfigStore: appStore,
		Health:      eng.Health,
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *engine.Engine
	broker     *paper.Broker
	eventLog   *eventlog.Log
	stores     storeSet
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	await := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for feeds", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := await(stepCtx, cfg.lifecycle.Wait); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.engine != nil {
		shutdownStep("draining engine", engineShutdownTimeout, func(stepCtx context.Context) error {
			if err := cfg.engine.Sync(stepCtx); err != nil {
				logger.Printf("shutdown: engine not drained: %v", err)
			}
			return await(stepCtx, cfg.engine.Close)
		})
	}

	if cfg.broker != nil {
		shutdownStep("closing paper broker", storeShutdownTimeout, func(stepCtx context.Context) error {
			return await(stepCtx, cfg.broker.Close)
		})
	}

	if cfg.eventLog != nil {
		shutdownStep("closing event log", storeShutdownTimeout, func(stepCtx context.Context) error {
			if err := await(stepCtx, cfg.eventLog.Close); err != nil {
				return err
			}
			return cfg.stores.close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
