// Command execd launches the execution orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/orchestrator"
	"github.com/tradefab/execd/internal/persistence/memory"
	"github.com/tradefab/execd/internal/persistence/migrations"
	"github.com/tradefab/execd/internal/persistence/postgres"
	"github.com/tradefab/execd/internal/positions"
	"github.com/tradefab/execd/internal/risk"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/router/algo"
	"github.com/tradefab/execd/internal/schema"
	httpserver "github.com/tradefab/execd/internal/server/http"
	"github.com/tradefab/execd/internal/telemetry"
	"github.com/tradefab/execd/internal/venue"
	"github.com/tradefab/execd/internal/venue/deribit"
	"github.com/tradefab/execd/internal/venue/integrated"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	supervisorDrainTimeout   = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
	readHeaderTimeout        = 5 * time.Second
	telemetryBusBuffer       = 64
	driftTolerance           = "0.0001"
)

func main() {
	configPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	observability.SetLogger(observability.NewZerologLogger(os.Stdout, cfg.LogLevel))
	log := observability.Log()
	log.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("venues", len(cfg.Venues)))

	provider, err := initTelemetry(ctx, cfg)
	if err != nil {
		log.Error("initialise telemetry", observability.F("error", err.Error()))
		os.Exit(1)
	}

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("open order store", observability.F("error", err.Error()))
		os.Exit(1)
	}

	orders := oms.NewManager(store, bus)
	instruments := instrument.NewStaticRegistry()
	book := positions.NewTracker(instruments, bus, decimal.RequireFromString(driftTolerance))
	if pool != nil {
		book = book.WithStore(postgres.NewPositionStore(pool))
		if err := book.Restore(ctx); err != nil {
			log.Warn("restore position book", observability.F("error", err.Error()))
		}
	}

	gate, err := risk.NewEngine(cfg.Risk, orders, book, instruments, bus)
	if err != nil {
		log.Error("initialise risk engine", observability.F("error", err.Error()))
		os.Exit(1)
	}

	registry := venue.NewRegistry()
	prober := make(compositeProber)
	profiles := make(map[string]router.VenueProfile, len(cfg.Venues))

	// The sink closure lets supervisors be registered before the orchestrator
	// exists; no event flows until registry.Start.
	var orch *orchestrator.Orchestrator
	sink := func(ctx context.Context, event schema.VenueEvent) {
		orch.HandleEvent(ctx, event)
	}
	recon := &reconciler{orders: orders, book: book}

	for name, vcfg := range cfg.Venues {
		adapter, venueProber, err := buildAdapter(name, vcfg, cfg.Environment)
		if err != nil {
			log.Error("initialise venue adapter",
				observability.F("venue", name), observability.F("error", err.Error()))
			os.Exit(1)
		}
		if err := registry.Register(venue.NewSupervisor(adapter, vcfg, sink, recon, bus)); err != nil {
			log.Error("register venue", observability.F("venue", name), observability.F("error", err.Error()))
			os.Exit(1)
		}
		prober[name] = venueProber
		profiles[name] = router.ProfileFromSettings(vcfg)
	}

	routes, err := router.New(cfg.Router, profiles, prober)
	if err != nil {
		log.Error("initialise router", observability.F("error", err.Error()))
		os.Exit(1)
	}

	orch, err = orchestrator.New(cfg.Orchestrator, orders, book, gate, routes, algo.NewRegistry(),
		orchestrator.RegistryDirectory{Registry: registry}, bus)
	if err != nil {
		log.Error("initialise orchestrator", observability.F("error", err.Error()))
		os.Exit(1)
	}

	registry.Start(ctx)

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpserver.NewHandler(orch, registry),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server", observability.F("error", err.Error()))
		}
	})
	log.Info("execd started", observability.F("addr", cfg.Server.Addr))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		orch:       orch,
		registry:   registry,
		lifecycle:  &lifecycle,
		bus:        bus,
		pool:       pool,
		telemetry:  provider,
	})
}

func parseFlags() string {
	configPath := flag.String("config", "", "Path to the YAML configuration file (defaults to environment variables)")
	flag.Parse()
	return *configPath
}

func loadConfig(path string) (config.Settings, error) {
	if path == "" {
		return config.FromEnv(), nil
	}
	return config.Load(path)
}

func initTelemetry(ctx context.Context, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.OTLPEndpoint != ""
	telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	if telemetryCfg.Enabled {
		observability.SetMetrics(observability.NewOTelMetrics(provider.Meter("execd")))
		observability.Log().Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	}
	return provider, nil
}

// openStore selects Postgres when a DSN is configured and falls back to the
// in-memory store otherwise. The returned pool is nil for the memory store.
func openStore(ctx context.Context, cfg config.Settings) (oms.Store, *pgxpool.Pool, error) {
	if cfg.Database.DSN == "" {
		observability.Log().Warn("no database configured, orders held in memory only")
		return memory.NewOrderStore(), nil, nil
	}
	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := migrations.Apply(migrateCtx, cfg.Database.DSN); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := postgres.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewOrderStore(pool), pool, nil
}

// buildAdapter constructs the venue integration for one configured venue.
// Integrated venues run the in-process simulated driver; external-SDK venues
// currently map to the Deribit adapter.
func buildAdapter(name string, vcfg config.VenueSettings, env config.Environment) (venue.Adapter, venueProber, error) {
	switch vcfg.Kind {
	case config.VenueIntegrated:
		driver := integrated.NewSimDriver(name)
		if env == config.EnvDev {
			seedDevBooks(driver)
		}
		adapter := integrated.NewAdapter(driver)
		return adapter, adapter, nil
	case config.VenueExternalSDK:
		adapter := deribit.NewAdapter(name, vcfg)
		return adapter, adapter, nil
	default:
		return nil, nil, fmt.Errorf("venue %s: unknown kind %q", name, vcfg.Kind)
	}
}

// seedDevBooks gives the simulated driver liquidity so local runs can route
// without an external feed.
func seedDevBooks(driver *integrated.SimDriver) {
	driver.SetBook("SPOT_PAIR:BTC-USDT", decimal.NewFromInt(60000), decimal.NewFromInt(100))
	driver.SetBook("SPOT_PAIR:ETH-USDT", decimal.NewFromInt(3000), decimal.NewFromInt(1000))
}

// venueProber is the per-venue slice of the depth probe surface.
type venueProber interface {
	ProbeDepth(ctx context.Context, id instrument.ID, side string) (router.Quote, error)
}

// compositeProber fans the router's probes out to the owning venue adapter.
type compositeProber map[string]venueProber

func (p compositeProber) ProbeDepth(ctx context.Context, venueName string, id instrument.ID, side string) (router.Quote, error) {
	probe, ok := p[venueName]
	if !ok {
		return router.Quote{}, errs.New(venueName, errs.KindRouteUnavailable,
			errs.WithMessage("no depth source for venue"))
	}
	return probe.ProbeDepth(ctx, id, side)
}

// reconciler joins the order manager and position tracker behind the
// supervisor's reconciliation contract.
type reconciler struct {
	orders *oms.Manager
	book   *positions.Tracker
}

func (r *reconciler) ReconcileOrders(ctx context.Context, venueName string, snapshots []schema.OrderSnapshot) error {
	return r.orders.ReconcileOrders(ctx, venueName, snapshots)
}

func (r *reconciler) ReconcilePositions(ctx context.Context, venueName string, snapshots []schema.PositionSnapshot) error {
	return r.book.ReconcilePositions(ctx, venueName, snapshots)
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	orch       *orchestrator.Orchestrator
	registry   *venue.Registry
	lifecycle  *conc.WaitGroup
	bus        observability.TelemetryBus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	log := observability.Log()
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			log.Warn("shutdown step failed",
				observability.F("step", name), observability.F("error", err.Error()))
		} else {
			log.Info("shutdown step completed", observability.F("step", name))
		}
	}

	start := time.Now()

	shutdownStep("stop api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.server.Shutdown(stepCtx)
	})

	// Stop accepting new submissions and drain in-flight event workers before
	// tearing the supervisors down.
	shutdownStep("drain pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.orch.Shutdown(stepCtx)
	})

	cfg.mainCancel()

	shutdownStep("wait for supervisors", supervisorDrainTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.registry.Wait()
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for supervisors: %w", stepCtx.Err())
		}
	})

	cfg.bus.Close()
	if cfg.pool != nil {
		cfg.pool.Close()
	}

	shutdownStep("shutdown telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})

	log.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
}
