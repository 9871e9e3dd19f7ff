package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/config"
	"github.com/wadash/wadash/internal/registry"
	chatsync "github.com/wadash/wadash/internal/sync"
)

// autoSync periodically runs a capped incremental sync for the current
// account. Disabled when the interval is zero.
type autoSync struct {
	interval time.Duration
	maxChats int
	runner   *chatsync.Runner
	reg      *registry.Registry
	logger   *zap.Logger

	done chan struct{}
}

func newAutoSync(cfg config.Config, runner *chatsync.Runner, reg *registry.Registry, logger *zap.Logger) *autoSync {
	return &autoSync{
		interval: cfg.Sync.AutoSyncInterval.Duration(),
		maxChats: cfg.Sync.QuickSyncChats,
		runner:   runner,
		reg:      reg,
		logger:   logger,
	}
}

func (a *autoSync) Start() {
	if a.interval <= 0 {
		return
	}
	a.done = make(chan struct{})
	go a.loop()
	a.logger.Info("auto sync enabled", zap.Duration("interval", a.interval))
}

func (a *autoSync) Stop() {
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
}

func (a *autoSync) loop() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			id := a.reg.Current()
			if id == "" || !a.reg.IsReady(id) {
				continue
			}
			// Already-running syncs are rejected inside Run.
			if err := a.runner.Run(context.Background(), id, chatsync.Options{
				MaxChats:        a.maxChats,
				IncrementalOnly: true,
			}); err != nil {
				a.logger.Warn("auto sync failed", zap.Error(err))
			}
		case <-a.done:
			return
		}
	}
}
