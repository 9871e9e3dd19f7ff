// Package daemon composes the application: every component is an fx
// provider and the lifecycle hook owns startup and shutdown ordering.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/accounts"
	"github.com/wadash/wadash/internal/bridge"
	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/config"
	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/lifecycle"
	"github.com/wadash/wadash/internal/logging"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/search"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/status"
	"github.com/wadash/wadash/internal/store"
	chatsync "github.com/wadash/wadash/internal/sync"
	"github.com/wadash/wadash/internal/writeback"
)

// Params holds the resolved invocation options passed to the fx module.
type Params struct {
	DataDir    string
	ListenAddr string // optional override; empty = config value
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideStore,
			provideTracker,
			provideWriteback,
			provideRegistry,
			provideFactory,
			provideManager,
			provideCache,
			provideDirectory,
			provideRunner,
			provideSearcher,
			provideHub,
			provideBridge,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) (session.Paths, error) {
	root := p.DataDir
	if root == "" {
		root = session.DefaultRoot()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return session.Paths{}, err
	}
	return session.Paths{Root: root}, nil
}

func provideConfig(p Params, paths session.Paths) (config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath(), paths.Root)
	if err != nil {
		return config.Config{}, err
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	return *cfg, nil
}

func provideLogger(paths session.Paths) (*zap.Logger, error) {
	return logging.New(paths.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideStore opens the durable tier. A failure here is logged and
// tolerated: the cache and the accounts file carry reads without it.
func provideStore(paths session.Paths, logger *zap.Logger) *store.DB {
	db, err := store.Open(paths.StoreDBPath())
	if err != nil {
		logger.Warn("durable store unavailable", zap.Error(err))
		return nil
	}
	result, err := db.Migrate()
	if err != nil {
		logger.Warn("migrations failed, running without durable store", zap.Error(err))
		_ = db.Close()
		return nil
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	return db
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideWriteback(logger *zap.Logger) *writeback.Queue {
	return writeback.NewQueue(256, logger)
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideFactory(cfg config.Config, paths session.Paths, b *bus.Bus, logger *zap.Logger) engine.Factory {
	return engine.NewFactory(paths, cfg.Engine.DeviceName, b, logger)
}

func provideManager(reg *registry.Registry, factory engine.Factory, paths session.Paths, b *bus.Bus, db *store.DB, wb *writeback.Queue, logger *zap.Logger) *lifecycle.Manager {
	return lifecycle.NewManager(reg, factory, paths, b, db, wb, logger)
}

func provideCache(db *store.DB, paths session.Paths, wb *writeback.Queue, logger *zap.Logger) *cache.Cache {
	return cache.New(db, paths, wb, logger)
}

func provideDirectory(db *store.DB, paths session.Paths, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *accounts.Directory {
	return accounts.New(db, paths, tracker, b, logger)
}

func provideRunner(cfg config.Config, reg *registry.Registry, c *cache.Cache, tracker *status.Tracker, b *bus.Bus, db *store.DB, wb *writeback.Queue, logger *zap.Logger) *chatsync.Runner {
	return chatsync.NewRunner(reg, c, tracker, b, db, wb, chatsync.Config{
		BatchSize:     cfg.Sync.BatchSize,
		AvatarTimeout: cfg.Engine.AvatarTimeout.Duration(),
		AvatarTTL:     cfg.Sync.AvatarTTL.Duration(),
	}, logger)
}

func provideSearcher(reg *registry.Registry, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *search.Searcher {
	return search.New(reg, c, b, logger)
}

func provideHub(logger *zap.Logger) *bridge.Hub {
	return bridge.NewHub(logger)
}

func provideBridge(hub *bridge.Hub, dir *accounts.Directory, manager *lifecycle.Manager, runner *chatsync.Runner, searcher *search.Searcher, c *cache.Cache, reg *registry.Registry, b *bus.Bus, paths session.Paths, cfg config.Config, logger *zap.Logger) *bridge.Bridge {
	return bridge.New(hub, dir, manager, runner, searcher, c, reg, b, paths, cfg, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, srv *Server, br *bridge.Bridge, manager *lifecycle.Manager, dir *accounts.Directory, runner *chatsync.Runner, reg *registry.Registry, wb *writeback.Queue, db *store.DB, logger *zap.Logger) {
	ticker := newAutoSync(cfg, runner, reg, logger)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			wb.Start(context.Background())
			manager.SetPhoneDirectory(dir)
			manager.Start(context.Background())
			br.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Resolve the active account (creating the default on a
			// fresh install) and bring its session up in background.
			go func() {
				list, err := dir.List("")
				if err != nil {
					logger.Error("account directory unavailable", zap.Error(err))
					return
				}
				for _, acc := range list {
					if acc.IsActive {
						if err := manager.SwitchTo(context.Background(), acc.ID); err != nil {
							logger.Error("initial session start failed",
								zap.String("account", string(acc.ID)),
								zap.Error(err),
							)
						}
						break
					}
				}
			}()

			ticker.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ticker.Stop()
			br.Stop()
			manager.StopAll(ctx)
			manager.Stop()
			srv.Stop(ctx)
			wb.Stop()
			if db != nil {
				if err := db.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
				}
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
