package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/dedicated"
	"github.com/cory-johannsen/lobby/internal/frontend/websocket"
	"github.com/cory-johannsen/lobby/internal/game/account"
	"github.com/cory-johannsen/lobby/internal/game/channel"
	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/game/session"
	"github.com/cory-johannsen/lobby/internal/game/world"
	"github.com/cory-johannsen/lobby/internal/gameserver"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/scripting"
	"github.com/cory-johannsen/lobby/internal/server"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

// dbHealthInterval is the period of the background database health check.
const dbHealthInterval = 30 * time.Second

// configPath is the configuration file the injector loads.
type configPath string

// providerSet builds the whole lobby server.
var providerSet = wire.NewSet(
	provideConfig,
	provideLogger,
	provideMetricsRegistry,
	provideDatabase,
	account.NewRegistry,
	provideMulticaster,
	world.NewState,
	provideWorldKey,
	provideSessionManager,
	provideMatchBackend,
	provideProfiles,
	provideOrchestrator,
	gameserver.NewWorldView,
	provideScripts,
	providePlugin,
	provideDispatcher,
	provideWorldTicker,
	provideAcceptor,
	provideAdminServer,
	provideHealthService,
	provideLifecycle,
	newApp,
)

// database holds the repositories backed by the optional PostgreSQL pool.
// Every field is nil when persistence is disabled.
type database struct {
	pool     *postgres.Pool
	accounts *postgres.AccountRepository
	players  *postgres.PlayerRepository
	results  *postgres.MatchResultRepository
}

func (d *database) enabled() bool { return d.pool != nil }

// matchBackend is the match service selected by match.mode.
type matchBackend struct {
	service  match.Service
	manager  *dedicated.Manager
	loopback *dedicated.Loopback
}

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) (*zap.Logger, func(), error) {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger = logger.With(zap.String("server", cfg.Server.Name))
	return logger, func() { _ = logger.Sync() }, nil
}

func provideMetricsRegistry(db *database) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	if err := observability.RegisterMetrics(registry); err != nil {
		return nil, fmt.Errorf("registering lobby metrics: %w", err)
	}
	if db.enabled() {
		if err := registry.Register(db.pool.Collector()); err != nil {
			return nil, fmt.Errorf("registering pool collector: %w", err)
		}
	}
	return registry, nil
}

func provideDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*database, func(), error) {
	if !cfg.Database.Enabled {
		logger.Info("persistence disabled")
		return &database{}, func() {}, nil
	}
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	db := &database{
		pool:     pool,
		accounts: postgres.NewAccountRepository(pool.DB()),
		players:  postgres.NewPlayerRepository(pool.DB()),
		results:  postgres.NewMatchResultRepository(pool.DB()),
	}
	return db, pool.Close, nil
}

func provideMulticaster(logger *zap.Logger) *channel.Multicaster {
	return channel.NewMulticaster(logger.Named("channel"))
}

func provideWorldKey(cfg config.Config) channel.Key {
	return channel.Key{Name: cfg.World.ChannelName, SubID: cfg.World.ChannelSubID}
}

func provideSessionManager(accounts *account.Registry, channels *channel.Multicaster, w *world.State, key channel.Key, db *database, logger *zap.Logger) *session.Manager {
	var opts []session.Option
	if db.enabled() {
		opts = append(opts, session.WithPlayerStore(db.players))
	}
	return session.NewManager(accounts, channels, w, key, logger.Named("session"), opts...)
}

func provideMatchBackend(cfg config.Config, logger *zap.Logger) (*matchBackend, func()) {
	logger = logger.Named("dedicated")
	if cfg.Match.Mode == config.MatchModeProcess {
		// Dedicated servers run on this host and call back over loopback.
		managerAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Admin.Port)
		mgr := dedicated.NewManager(cfg.Match, managerAddr, dedicated.NewExecLauncher(logger), logger)
		return &matchBackend{service: mgr, manager: mgr}, func() {}
	}
	var opts []dedicated.LoopbackOption
	if cfg.Match.GameHost != "" && cfg.Match.PortMin > 0 {
		opts = append(opts, dedicated.WithEndpoint(cfg.Match.GameHost, cfg.Match.PortMin))
	}
	lb := dedicated.NewLoopback(cfg.Match.SpawnDelay, cfg.Match.MatchDuration, logger, opts...)
	return &matchBackend{service: lb, loopback: lb}, lb.Close
}

func provideProfiles(cfg config.Config) (*match.Profiles, error) {
	if cfg.Match.ProfilesFile == "" {
		return match.DefaultProfiles(), nil
	}
	profiles, err := match.LoadProfiles(cfg.Match.ProfilesFile)
	if err != nil {
		return nil, fmt.Errorf("loading match profiles: %w", err)
	}
	return profiles, nil
}

func provideOrchestrator(backend *matchBackend, sessions *session.Manager, profiles *match.Profiles, logger *zap.Logger) *match.Orchestrator {
	return match.NewOrchestrator(backend.service, sessions, profiles, logger.Named("match"))
}

// provideScripts returns nil when world.script_dir is empty.
func provideScripts(cfg config.Config, view *gameserver.WorldView, logger *zap.Logger) (*scripting.Manager, func(), error) {
	if cfg.World.ScriptDir == "" {
		return nil, func() {}, nil
	}
	mgr := scripting.NewManager(view, logger.Named("scripting"))
	if err := mgr.Load(cfg.World.ScriptDir, cfg.World.ScriptInstructionLimit); err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("loading world scripts: %w", err)
	}
	logger.Info("world scripts loaded", zap.String("dir", cfg.World.ScriptDir))
	return mgr, mgr.Close, nil
}

func providePlugin(cfg config.Config, sessions *session.Manager, view *gameserver.WorldView, orch *match.Orchestrator, db *database, scripts *scripting.Manager, logger *zap.Logger) *gameserver.Plugin {
	var opts []gameserver.PluginOption
	if cfg.Auth.RequirePassword {
		opts = append(opts, gameserver.WithCredentials(db.accounts))
	}
	if db.enabled() {
		opts = append(opts, gameserver.WithMatchRecorder(db.results))
	}
	if scripts != nil {
		opts = append(opts, gameserver.WithScripts(scripts))
	}
	return gameserver.NewPlugin(cfg, sessions, view, orch, logger.Named("plugin"), opts...)
}

func provideDispatcher(plugin *gameserver.Plugin, logger *zap.Logger) (*gameserver.Dispatcher, error) {
	d := gameserver.NewDispatcher(logger.Named("dispatch"))
	if err := plugin.RegisterEventHandlers(d); err != nil {
		return nil, fmt.Errorf("registering handlers: %w", err)
	}
	logger.Debug("client message handlers registered", zap.Int("types", d.Types()))
	return d, nil
}

func provideWorldTicker(cfg config.Config, plugin *gameserver.Plugin) *gameserver.WorldTicker {
	return gameserver.NewWorldTicker(cfg.World.TickInterval, plugin.OnWorldReady, plugin.OnWorldTick)
}

func provideAcceptor(cfg config.Config, sessions *session.Manager, dispatcher *gameserver.Dispatcher, logger *zap.Logger) *websocket.Acceptor {
	return websocket.NewAcceptor(cfg.Frontend, sessions, dispatcher, logger.Named("websocket"))
}

// provideAdminServer serves /metrics and, in process mode, the dedicated
// server callback API.
func provideAdminServer(cfg config.Config, registry *prometheus.Registry, backend *matchBackend, logger *zap.Logger) *server.HTTPService {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	if backend.manager != nil {
		dedicated.NewAPI(backend.manager, logger.Named("dedicated.api")).Register(mux)
	}
	return server.NewHTTPService("admin", cfg.Admin.Addr(), mux, logger)
}

func provideHealthService(cfg config.Config, logger *zap.Logger) *server.HealthService {
	return server.NewHealthService(cfg.GRPC.Addr(), logger)
}

// provideLifecycle registers services in start order. Shutdown runs in
// reverse, so the acceptor stops accepting before the match backend stops.
func provideLifecycle(
	logger *zap.Logger,
	db *database,
	backend *matchBackend,
	orch *match.Orchestrator,
	ticker *gameserver.WorldTicker,
	health *server.HealthService,
	admin *server.HTTPService,
	acceptor *websocket.Acceptor,
) *server.Lifecycle {
	lc := server.NewLifecycle(logger)
	lc.SetHealth(health.Health())

	if db.enabled() {
		lc.Add("postgres", server.NewRunnerService(server.RunnerFunc(func(ctx context.Context) error {
			t := time.NewTicker(dbHealthInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
					if err := db.pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		})))
	}
	if backend.manager != nil {
		mgr := backend.manager
		lc.Add("dedicated", server.NewRunnerService(server.RunnerFunc(func(ctx context.Context) error {
			defer mgr.Shutdown()
			return mgr.Run(ctx)
		})))
	}
	lc.Add("orchestrator", server.NewRunnerService(orch))
	lc.Add("ticker", server.NewRunnerService(ticker))
	lc.Add("grpc", health)
	lc.Add("admin", admin)
	lc.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	return lc
}
