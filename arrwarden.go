// Package arrwarden is the public API for embedding the arrwarden indexer
// warden. Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := arrwarden.New(
//	    arrwarden.WithVersion(version),
//	    arrwarden.WithLogger(logger),
//	    arrwarden.WithEventHook(myAlertHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: arrwarden (root)
// imports internal/*, but internal/* never imports arrwarden (root).
// Public types (Event) are standalone structs with no internal imports;
// the conversion helper lives here because this is the only file that
// sees both sides of the boundary.
package arrwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrwarden/arrwarden/api"
	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/agents"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/auth"
	"github.com/arrwarden/arrwarden/internal/config"
	"github.com/arrwarden/arrwarden/internal/healthcache"
	"github.com/arrwarden/arrwarden/internal/ratelimit"
	"github.com/arrwarden/arrwarden/internal/server"
	"github.com/arrwarden/arrwarden/internal/storage"
	"github.com/arrwarden/arrwarden/internal/telemetry"
	"github.com/arrwarden/arrwarden/migrations"
)

// App is the arrwarden server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	orch         *agent.Orchestrator
	monitor      *agent.Monitor
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initialises the arrwarden server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("arrwarden: load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("arrwarden: telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("arrwarden: storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("arrwarden: migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("arrwarden: auth: %w", err)
	}

	// Build Arr service clients. Radarr and Sonarr take the full healing
	// loop; Prowlarr is observe-only (its API rejects indexer writes), so it
	// is exposed over the HTTP API and used for discovery but kept out of
	// the health and autoheal agents.
	radarr := arr.NewRadarr(arr.NewClient(cfg.RadarrURL, cfg.RadarrAPIKey, cfg.ArrTimeout, logger))
	sonarr := arr.NewSonarr(arr.NewClient(cfg.SonarrURL, cfg.SonarrAPIKey, cfg.ArrTimeout, logger))

	healsvcs := []arr.Service{radarr, sonarr}
	serviceMap := map[string]arr.Service{
		radarr.Name(): radarr,
		sonarr.Name(): sonarr,
	}

	var prowlarr *arr.Prowlarr
	if cfg.ProwlarrURL != "" {
		prowlarr = arr.NewProwlarr(arr.NewClient(cfg.ProwlarrURL, cfg.ProwlarrAPIKey, cfg.ArrTimeout, logger))
		serviceMap[prowlarr.Name()] = prowlarr
		logger.Info("prowlarr: enabled")
	} else {
		logger.Info("prowlarr: disabled (no PROWLARR_URL)")
	}

	cache := healthcache.New(cfg.CacheTTL, cfg.CacheMaxEntries, logger)

	// Monitor records events and per-agent health; the SSE broker and
	// registered hooks fan them out.
	monitor := agent.NewMonitor(1000, logger)
	broker := server.NewBroker(logger)
	monitor.AddHook(broker.Publish)

	app := &App{
		cfg:          cfg,
		db:           db,
		monitor:      monitor,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}
	if len(app.eventHooks) > 0 {
		monitor.AddHook(app.dispatchEvent)
	}

	control := agents.NewControlAgent(monitor, logger)

	orch := agent.NewOrchestrator("arrwarden", logger, agent.WithMonitor(monitor))
	if err := orch.RegisterMetrics(); err != nil {
		logger.Warn("orchestrator metrics registration failed", "error", err)
	}

	if err := orch.RegisterAgent(agents.NewHealthAgent(healsvcs, cache, logger), cfg.HealthCheckInterval); err != nil {
		db.Close()
		return nil, fmt.Errorf("arrwarden: register health agent: %w", err)
	}
	if err := orch.RegisterAgent(
		agents.NewAutoHealAgent(healsvcs, control, &agents.DBAuditStore{DB: db}, logger),
		cfg.AutoHealInterval,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("arrwarden: register autoheal agent: %w", err)
	}
	if cfg.DiscoveryEnabled {
		discovery := agents.NewDiscoveryAgent(cfg.DiscoverySources, prowlarr, cfg.DiscoveryAddToProwlarr, logger)
		if err := orch.RegisterAgent(discovery, cfg.DiscoveryInterval); err != nil {
			db.Close()
			return nil, fmt.Errorf("arrwarden: register discovery agent: %w", err)
		}
		logger.Info("discovery: enabled", "sources", len(cfg.DiscoverySources))
	}
	app.orch = orch

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}
	app.limiter = limiter

	app.srv = server.New(server.ServerConfig{
		Orchestrator:        orch,
		Monitor:             monitor,
		Control:             control,
		Services:            serviceMap,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Cache:               cache,
		Store:               db,
		Broker:              broker,
		RateLimiter:         limiter,
		OpenAPISpec:         api.OpenAPISpec,
		AdminKeyHash:        cfg.AdminAPIKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSOrigins:         cfg.CORSOrigins,
	})

	return app, nil
}

// Run serves HTTP and runs the agent scheduler until ctx is cancelled or a
// component fails, then shuts everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	a.logger.Info("arrwarden starting", "version", a.version, "port", a.cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("arrwarden: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// The orchestrator loop exits on its own when gctx is cancelled.
		a.orch.Start(gctx, a.cfg.PollInterval)
		return nil
	})

	<-gctx.Done()

	a.logger.Info("arrwarden shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if err := g.Wait(); err != nil {
		return err
	}

	a.logger.Info("arrwarden stopped")
	return nil
}

// Handler returns the root HTTP handler, for mounting the whole API inside
// a larger server or exercising it in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.db.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// dispatchEvent fans one monitor event out to every registered hook.
// Hooks run concurrently; a failing or slow hook never blocks the monitor.
func (a *App) dispatchEvent(e agent.Event) {
	pub := toPublicEvent(e)
	for _, hook := range a.eventHooks {
		h := hook
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.OnEvent(ctx, pub); err != nil {
				a.logger.Warn("event hook failed", "type", pub.Type, "error", err)
			}
		}()
	}
}

func toPublicEvent(e agent.Event) Event {
	return Event{
		ID:        e.ID,
		Type:      string(e.Type),
		AgentName: e.AgentName,
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
	}
}
