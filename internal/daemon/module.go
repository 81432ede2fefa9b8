package daemon

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/api"
	"github.com/matheus3301/swoon/internal/bus"
	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/config"
	"github.com/matheus3301/swoon/internal/identity"
	"github.com/matheus3301/swoon/internal/lock"
	"github.com/matheus3301/swoon/internal/logging"
	"github.com/matheus3301/swoon/internal/outbox"
	"github.com/matheus3301/swoon/internal/permission"
	"github.com/matheus3301/swoon/internal/profile"
	"github.com/matheus3301/swoon/internal/realtime"
	"github.com/matheus3301/swoon/internal/realtime/loopback"
	"github.com/matheus3301/swoon/internal/realtime/phoenix"
	"github.com/matheus3301/swoon/internal/remote"
	"github.com/matheus3301/swoon/internal/store"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load swoon.toml and .env
}

func (p Params) socket() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return profile.SocketPath(p.ProfileName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideIdentity,
			provideChecker,
			provideBackends,
			provideTransport,
			provideManager,
			providePipeline,
			provideSender,
			provideFeed,
			provideCallEngine,
			provideSessionService,
			provideMessageService,
			provideCallService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Load(profile.ConfigPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, profile.EnvPath(p.ProfileName)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.LockPath(p.ProfileName), p.socket())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.ProfileName))
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}))
	return l, nil
}

// provideStore opens the local database. It always exists: in remote mode it
// still holds the outbox journal.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func provideIdentity(clk clock.Clock, logger *zap.Logger) *identity.Provider {
	return identity.NewProvider(clk, logger.Named("identity"))
}

func provideChecker(cfg *config.Config, logger *zap.Logger) *permission.StaticChecker {
	c := permission.NewStaticChecker(cfg.Plan.Name)
	if c.Plan() != cfg.Plan.Name {
		logger.Warn("unknown plan, using free", zap.String("plan", cfg.Plan.Name))
	}
	return c
}

// Backends are the persistence collaborators for the configured mode.
type Backends struct {
	fx.Out

	Messages outbox.Backend
	Calls    call.Recorder
	History  api.History
}

func provideBackends(cfg *config.Config, db *store.DB, id *identity.Provider, logger *zap.Logger) Backends {
	if cfg.Backend.Mode == config.BackendRemote {
		c := remote.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, id, logger.Named("remote"))
		logger.Info("using remote backend", zap.String("url", cfg.Backend.URL))
		return Backends{Messages: c, Calls: c, History: c}
	}
	logger.Info("using local backend")
	return Backends{Messages: db, Calls: db, History: db}
}

// provideTransport returns the in-process hub in local mode and a websocket
// to the hosted realtime service in remote mode.
func provideTransport(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, clk clock.Clock, logger *zap.Logger) (realtime.Transport, error) {
	if cfg.Backend.Mode == config.BackendRemote {
		sock, err := phoenix.New(phoenix.Options{
			URL:               cfg.Backend.URL,
			APIKey:            cfg.Backend.APIKey,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval.Duration,
			JoinTimeout:       cfg.Realtime.JoinTimeout.Duration,
			Clock:             clk,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("realtime socket: %w", err)
		}
		lc.Append(fx.StopHook(sock.Close))
		return sock, nil
	}

	hub := loopback.NewHub(b, logger.Named("loopback"))
	lc.Append(fx.StartStopHook(
		func() { hub.Start(context.Background()) },
		hub.Stop,
	))
	return hub.Transport(), nil
}

func provideManager(cfg *config.Config, transport realtime.Transport, id *identity.Provider, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	rc := cfg.Realtime
	return realtime.NewManager(transport, id, clk, b, realtime.ManagerConfig{
		ReconnectBase:        rc.ReconnectBase.Duration,
		ReconnectMax:         rc.ReconnectMax.Duration,
		MaxReconnectAttempts: rc.MaxReconnectAttempts,
		IdleTimeout:          rc.IdleTimeout.Duration,
		CleanupInterval:      rc.CleanupInterval.Duration,
	}, logger.Named("realtime"))
}

func providePipeline(cfg *config.Config, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	oc := cfg.Outbox
	return outbox.NewPipeline(outbox.Config{
		MaxRetries:    oc.MaxRetries,
		RetryBase:     oc.RetryBase.Duration,
		SweepInterval: oc.SweepInterval.Duration,
		MatchWindow:   oc.MatchWindow.Duration,
	}, clk, b, logger)
}

func provideSender(p *outbox.Pipeline, backend outbox.Backend, db *store.DB, clk clock.Clock, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(p, backend, db, clk, logger)
}

func provideFeed(m *realtime.Manager, p *outbox.Pipeline, id *identity.Provider, logger *zap.Logger) *outbox.Feed {
	return outbox.NewFeed(m, p, id, logger)
}

func provideCallEngine(cfg *config.Config, m *realtime.Manager, rec call.Recorder, checker *permission.StaticChecker, id *identity.Provider, clk clock.Clock, b *bus.Bus, logger *zap.Logger) (*call.Engine, error) {
	devices, err := call.DefaultDevices(clk, logger.Named("media"))
	if err != nil {
		return nil, fmt.Errorf("media devices: %w", err)
	}
	opts := call.PionOptions{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: cfg.Call.DisconnectedTimeout.Duration,
		FailedTimeout:       cfg.Call.FailedTimeout.Duration,
		KeepAliveInterval:   cfg.Call.KeepAliveInterval.Duration,
		Logger:              logger,
	}
	if codecs, ok := devices.(call.CodecRegistrar); ok {
		opts.Codecs = codecs
	}
	peers, err := call.NewPionFactory(opts)
	if err != nil {
		return nil, err
	}
	return call.NewEngine(call.Deps{
		Signaler: m,
		Recorder: rec,
		Checker:  checker,
		Users:    id,
		Devices:  devices,
		Peers:    peers,
		Clock:    clk,
		Bus:      b,
		Logger:   logger,
	}, cfg.Call.SignalingChannel), nil
}

func provideSessionService(p Params, checker *permission.StaticChecker, id *identity.Provider, m *realtime.Manager, pipeline *outbox.Pipeline, engine *call.Engine, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.ProfileName, checker.Plan(), id, m, pipeline, engine, logger)
}

func provideMessageService(pipeline *outbox.Pipeline, history api.History, checker *permission.StaticChecker, id *identity.Provider, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(pipeline, history, checker, id, b, logger)
}

func provideCallService(engine *call.Engine, b *bus.Bus, logger *zap.Logger) *api.CallService {
	return api.NewCallService(engine, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	id *identity.Provider,
	manager *realtime.Manager,
	pipeline *outbox.Pipeline,
	sender *outbox.Sender,
	feed *outbox.Feed,
	engine *call.Engine,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	var authOff func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			manager.Start(ctx)
			pipeline.Start(ctx)
			sender.Start(ctx)

			if err := feed.Start(); err != nil {
				return fmt.Errorf("message feed: %w", err)
			}
			if err := engine.Listen(ctx); err != nil {
				return fmt.Errorf("call signaling: %w", err)
			}
			authOff = bindCallsToSession(ctx, id, engine, logger)

			if creds := (identity.Credentials{UserID: cfg.Identity.UserID, AccessToken: cfg.Identity.AccessToken}); creds.UserID != "" || creds.AccessToken != "" {
				if err := id.SignIn(ctx, creds); err != nil {
					logger.Error("configured sign-in failed", zap.Error(err))
				}
			} else {
				logger.Info("no credentials configured, sign-in required")
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			if authOff != nil {
				authOff()
			}
			engine.Close()
			feed.Stop()
			sender.Stop()
			pipeline.Stop()
			manager.Destroy()
			cancel()
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// bindCallsToSession ends the current call while the user's channels are
// still joined, before the realtime manager tears them down on sign-out.
// The engine listens again on the next sign-in.
func bindCallsToSession(ctx context.Context, id *identity.Provider, engine *call.Engine, logger *zap.Logger) (off func()) {
	leaveOff := id.BeforeSignOut(func(string) {
		engine.Close()
	})
	authOff := id.OnAuthStateChange(func(evt identity.AuthEvent) {
		if evt.Type != identity.SignedIn {
			return
		}
		if err := engine.Listen(ctx); err != nil {
			logger.Error("call signaling resubscribe failed", zap.Error(err))
		}
	})
	return func() {
		leaveOff()
		authOff()
	}
}
