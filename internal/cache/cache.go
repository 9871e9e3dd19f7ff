// Package cache implements the per-account chat cache: an in-memory
// map backed by the durable store and a last-resort on-disk snapshot.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/store"
	"github.com/wadash/wadash/internal/writeback"
)

// snapshot is the on-disk JSON layout.
type snapshot struct {
	AccountID model.AccountID `json:"accountId"`
	SavedAt   int64           `json:"savedAt"`
	Chats     []model.Chat    `json:"chats"`
}

// Cache resolves chat lists through memory, durable store, and disk
// snapshot, in that order. Reads never block on the slow tiers when
// memory already holds data; writes to slow tiers go through the
// write-behind queue and never fail the caller.
type Cache struct {
	mu    sync.RWMutex
	chats map[model.AccountID][]model.Chat
	// gens invalidates queued write-behind jobs: Clear bumps the
	// account's generation, and jobs enqueued under an older one skip
	// instead of resurrecting the account's files.
	gens   map[model.AccountID]uint64
	db     *store.DB // optional; nil when the durable store is unavailable
	paths  session.Paths
	wb     *writeback.Queue
	logger *zap.Logger
}

// New creates a cache. db may be nil.
func New(db *store.DB, paths session.Paths, wb *writeback.Queue, logger *zap.Logger) *Cache {
	return &Cache{
		chats:  make(map[model.AccountID][]model.Chat),
		gens:   make(map[model.AccountID]uint64),
		db:     db,
		paths:  paths,
		wb:     wb,
		logger: logger,
	}
}

// Get returns the chat list for an account. The first non-empty tier
// wins and backfills the faster tiers.
func (c *Cache) Get(ctx context.Context, id model.AccountID) []model.Chat {
	c.mu.RLock()
	if chats, ok := c.chats[id]; ok && len(chats) > 0 {
		c.mu.RUnlock()
		return chats
	}
	c.mu.RUnlock()

	if c.db != nil {
		chats, err := c.db.ListChats(id)
		if err != nil {
			c.logger.Warn("durable store read failed", zap.String("account", string(id)), zap.Error(err))
		} else if len(chats) > 0 {
			c.setMemory(id, chats)
			return chats
		}
	}

	chats, err := c.readSnapshot(id)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("snapshot read failed", zap.String("account", string(id)), zap.Error(err))
		}
		return nil
	}
	if len(chats) > 0 {
		c.setMemory(id, chats)
	}
	return chats
}

// Set stores the chat list. Memory is updated synchronously; the disk
// snapshot and durable store are written behind.
func (c *Cache) Set(_ context.Context, id model.AccountID, chats []model.Chat) {
	gen := c.setMemory(id, chats)

	snap := make([]model.Chat, len(chats))
	copy(snap, chats)

	c.wb.Enqueue(writeback.Job{
		Name: "chat snapshot " + string(id),
		Run: func(context.Context) error {
			if c.generation(id) != gen {
				return nil
			}
			return c.writeSnapshot(id, snap)
		},
	})
	if c.db != nil {
		c.wb.Enqueue(writeback.Job{
			Name: "chat store " + string(id),
			Run: func(context.Context) error {
				if c.generation(id) != gen {
					return nil
				}
				return c.db.ReplaceChats(id, snap)
			},
		})
	}
}

// Clear drops all tiers for an account and discards its queued
// write-behind jobs.
func (c *Cache) Clear(_ context.Context, id model.AccountID) {
	c.mu.Lock()
	delete(c.chats, id)
	c.gens[id]++
	c.mu.Unlock()

	if err := os.Remove(c.paths.SnapshotPath(id)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("snapshot remove failed", zap.String("account", string(id)), zap.Error(err))
	}
	if c.db != nil {
		c.wb.Enqueue(writeback.Job{
			Name: "chat clear " + string(id),
			Run: func(context.Context) error {
				return c.db.ClearChats(id)
			},
		})
	}
}

func (c *Cache) setMemory(id model.AccountID, chats []model.Chat) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[id] = chats
	return c.gens[id]
}

func (c *Cache) generation(id model.AccountID) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[id]
}

func (c *Cache) readSnapshot(id model.AccountID) ([]model.Chat, error) {
	data, err := os.ReadFile(c.paths.SnapshotPath(id))
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap.Chats, nil
}

func (c *Cache) writeSnapshot(id model.AccountID, chats []model.Chat) error {
	if err := c.paths.EnsureAccountDir(id); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot{
		AccountID: id,
		SavedAt:   time.Now().UnixMilli(),
		Chats:     chats,
	})
	if err != nil {
		return err
	}
	// Write via temp file + rename so a crash never leaves a torn
	// snapshot.
	path := c.paths.SnapshotPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
