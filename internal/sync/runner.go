// Package sync implements the streaming chat synchronization pipeline:
// one full conversation-list fetch per run, processed in bounded
// batches, streamed to subscribers as batches complete, with
// cooperative cancellation and cache fallback.
package sync

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/lifecycle"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/status"
	"github.com/wadash/wadash/internal/store"
	"github.com/wadash/wadash/internal/writeback"
)

// Options tunes one sync invocation.
type Options struct {
	// MaxChats caps the number of conversations processed; 0 means all.
	MaxChats int
	// IncrementalOnly skips the UI clear signal and counts unchanged
	// conversations instead of re-enriching them.
	IncrementalOnly bool
}

// ChatEvent is streamed per materialized conversation.
type ChatEvent struct {
	AccountID model.AccountID
	Chat      model.Chat
	Index     int
	Total     int
}

// ClearEvent tells subscribers to reset their chat presentation.
type ClearEvent struct {
	AccountID model.AccountID
}

// CompleteEvent terminates a sync run. Chats is the final full
// snapshot, emitted after all per-item events.
type CompleteEvent struct {
	AccountID model.AccountID
	Total     int
	Success   int
	Errors    int
	Unchanged int
	FromCache bool
	Duration  time.Duration
	Chats     []model.Chat
}

// Runner drives sync runs. One run may be active per account; a second
// request is rejected as an informational no-op, never queued.
type Runner struct {
	reg     *registry.Registry
	cache   *cache.Cache
	tracker *status.Tracker
	bus     *bus.Bus
	db      *store.DB // optional
	wb      *writeback.Queue
	logger  *zap.Logger

	batchSize     int
	avatarTimeout time.Duration
	avatars       *avatarCache

	mu      sync.Mutex
	cancels map[model.AccountID]context.CancelFunc
}

// Config tunes the runner.
type Config struct {
	BatchSize     int
	AvatarTimeout time.Duration
	AvatarTTL     time.Duration
}

// NewRunner creates a sync runner. db may be nil.
func NewRunner(reg *registry.Registry, c *cache.Cache, tracker *status.Tracker, b *bus.Bus, db *store.DB, wb *writeback.Queue, cfg Config, logger *zap.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.AvatarTimeout <= 0 {
		cfg.AvatarTimeout = 1500 * time.Millisecond
	}
	return &Runner{
		reg:           reg,
		cache:         c,
		tracker:       tracker,
		bus:           b,
		db:            db,
		wb:            wb,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		avatarTimeout: cfg.AvatarTimeout,
		avatars:       newAvatarCache(cfg.AvatarTTL),
		cancels:       make(map[model.AccountID]context.CancelFunc),
	}
}

// Cancel requests cooperative cancellation of the account's running
// sync. Observed at the next batch or item boundary; already-emitted
// results stand.
func (r *Runner) Cancel(id model.AccountID) {
	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes one sync for an account. Returns nil for the
// "already in progress" informational no-op.
func (r *Runner) Run(ctx context.Context, id model.AccountID, opts Options) error {
	handle := r.reg.Get(id)
	if handle == nil || !r.reg.IsReady(id) {
		return fmt.Errorf("account %s: session not ready", id)
	}

	if err := r.tracker.Begin(id, "fetching conversations"); err != nil {
		// Idempotent no-op: re-announce the running sync.
		s := r.tracker.Get(id)
		s.Message = "sync already in progress"
		r.bus.Publish(bus.NewEvent(bus.KindSyncProgress, s))
		r.logger.Info("sync already in progress", zap.String("account", string(id)))
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
	}()

	started := time.Now()
	if !opts.IncrementalOnly {
		r.bus.Publish(bus.NewEvent(bus.KindSyncClear, ClearEvent{AccountID: id}))
	}
	r.persistStatus(id)

	fetched, fromCache, err := r.fetchList(ctx, id, handle)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(id)
		}
		_ = r.tracker.Fail(id, err.Error())
		r.persistStatus(id)
		r.appendEvent(id, "sync.failed", err.Error())
		return fmt.Errorf("fetch conversations: %w", err)
	}

	total := len(fetched)
	if opts.MaxChats > 0 && total > opts.MaxChats {
		total = opts.MaxChats
	}
	fetched = fetched[:total]

	// Empty fetch is success, not error.
	if total == 0 {
		_ = r.tracker.Complete(id, 0, 0, "no conversations")
		r.persistStatus(id)
		r.cache.Set(ctx, id, []model.Chat{})
		r.bus.Publish(bus.NewEvent(bus.KindSyncComplete, CompleteEvent{
			AccountID: id,
			Duration:  time.Since(started),
			Chats:     []model.Chat{},
		}))
		return nil
	}

	cached := r.cache.Get(ctx, id)
	prev := make(map[string]model.Chat, len(cached))
	for _, c := range cached {
		prev[c.ID] = c
	}

	result := make([]model.Chat, 0, total)
	success, errCount, unchanged := 0, 0, 0

	for start := 0; start < total; start += r.batchSize {
		if ctx.Err() != nil {
			return r.cancelled(id)
		}
		end := min(start+r.batchSize, total)
		batch := fetched[start:end]

		var enriched []model.Chat
		batchErrs, batchUnchanged := 0, 0
		if fromCache {
			// Cached entries are already normalized and enriched, and
			// the engine session is gone; re-enrichment would only
			// stall on timeouts and blank the stored avatars.
			enriched = batch
		} else {
			enriched, batchErrs, batchUnchanged = r.processBatch(ctx, handle, batch, prev, opts.IncrementalOnly)
		}
		if ctx.Err() != nil {
			return r.cancelled(id)
		}
		success += len(enriched) - batchErrs
		errCount += batchErrs
		unchanged += batchUnchanged

		for i, c := range enriched {
			r.bus.Publish(bus.NewEvent(bus.KindSyncChat, ChatEvent{
				AccountID: id,
				Chat:      c,
				Index:     start + i,
				Total:     total,
			}))
			result = append(result, c)
		}

		progress := int(math.Round(5 + float64(end)/float64(total)*93))
		current := ""
		if len(enriched) > 0 {
			current = enriched[len(enriched)-1].Name
		}
		r.tracker.Update(id, progress, total, end, current,
			fmt.Sprintf("synced %d of %d conversations", end, total))
		r.persistStatus(id)
	}

	if !fromCache {
		result = mergeCached(result, cached)
		r.cache.Set(ctx, id, result)
	}

	msg := fmt.Sprintf("synced %d conversations", total)
	if fromCache {
		msg = fmt.Sprintf("served %d conversations from cache", total)
	}
	_ = r.tracker.Complete(id, total, success, msg)
	r.persistStatus(id)
	r.appendEvent(id, bus.KindSyncComplete, msg)

	r.bus.Publish(bus.NewEvent(bus.KindSyncComplete, CompleteEvent{
		AccountID: id,
		Total:     total,
		Success:   success,
		Errors:    errCount,
		Unchanged: unchanged,
		FromCache: fromCache,
		Duration:  time.Since(started),
		Chats:     result,
	}))
	r.logger.Info("sync complete",
		zap.String("account", string(id)),
		zap.Int("total", total),
		zap.Int("errors", errCount),
		zap.Int("unchanged", unchanged),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// fetchList retrieves the conversation list exactly once per run, with
// bounded exponential backoff. A destroyed engine session skips the
// retries and falls back to the last good cached snapshot.
func (r *Runner) fetchList(ctx context.Context, id model.AccountID, handle engine.Client) ([]model.Chat, bool, error) {
	var chats []model.Chat
	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		chats, err = handle.ListConversations(ctx)
		if err == nil {
			return nil
		}
		if lifecycle.IsSessionDestroyed(err) {
			return err // not retryable
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return chats, false, nil
	}
	if lifecycle.IsSessionDestroyed(err) {
		cached := r.cache.Get(ctx, id)
		if len(cached) > 0 {
			r.logger.Warn("engine session gone, completing sync from cache",
				zap.String("account", string(id)),
				zap.Int("chats", len(cached)),
			)
			return cached, true, nil
		}
	}
	return nil, false, err
}

// processBatch enriches a batch concurrently. Avatar fetches are
// best-effort with a short timeout; a failure yields no avatar, never
// a failed batch.
func (r *Runner) processBatch(ctx context.Context, handle engine.Client, batch []model.Chat, prev map[string]model.Chat, incremental bool) ([]model.Chat, int, int) {
	out := make([]model.Chat, len(batch))
	errCount := 0
	unchanged := 0
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			c := normalize(batch[i])

			old, seen := prev[c.ID]
			same := seen && old.Timestamp == c.Timestamp && old.Unread == c.Unread
			if incremental && same {
				// Unchanged: keep the previous enrichment, skip the
				// avatar round trip, count separately.
				c.AvatarURL = old.AvatarURL
				mu.Lock()
				unchanged++
				mu.Unlock()
				out[i] = c
				return nil
			}

			c.AvatarURL = r.fetchAvatar(gctx, handle, c.ID)
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		errCount++
	}
	return out, errCount, unchanged
}

// fetchAvatar returns the cached or freshly fetched avatar URL, or
// empty on timeout/error.
func (r *Runner) fetchAvatar(ctx context.Context, handle engine.Client, chatID string) string {
	if url, ok := r.avatars.get(chatID); ok {
		return url
	}
	actx, cancel := context.WithTimeout(ctx, r.avatarTimeout)
	defer cancel()
	url, err := handle.AvatarURL(actx, chatID)
	if err != nil {
		return ""
	}
	r.avatars.put(chatID, url)
	return url
}

// mergeCached folds conversations a capped or partial run did not
// touch back in from the previous snapshot, so a quick sync never
// shrinks the cache. Newest first, matching the engine's list order.
func mergeCached(result, cached []model.Chat) []model.Chat {
	seen := make(map[string]struct{}, len(result))
	for _, c := range result {
		seen[c.ID] = struct{}{}
	}
	merged := result
	for _, c := range cached {
		if _, ok := seen[c.ID]; !ok {
			merged = append(merged, c)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})
	return merged
}

func (r *Runner) cancelled(id model.AccountID) error {
	_ = r.tracker.Fail(id, "sync cancelled")
	r.persistStatus(id)
	r.logger.Info("sync cancelled", zap.String("account", string(id)))
	return nil
}

// appendEvent records a sync outcome in the durable event log,
// write-behind.
func (r *Runner) appendEvent(id model.AccountID, kind, payload string) {
	if r.db == nil {
		return
	}
	r.wb.Enqueue(writeback.Job{
		Name: "event log " + kind,
		Run: func(context.Context) error {
			return r.db.AppendEvent(id, kind, payload)
		},
	})
}

// persistStatus snapshots the tracker state to the durable store,
// write-behind.
func (r *Runner) persistStatus(id model.AccountID) {
	if r.db == nil {
		return
	}
	s := r.tracker.Get(id)
	r.wb.Enqueue(writeback.Job{
		Name: "sync status " + string(id),
		Run: func(context.Context) error {
			return r.db.UpsertSyncStatus(&s)
		},
	})
}

// normalize applies the display fallbacks: name falls back to phone
// then raw id, and non-text previews get a type label.
func normalize(c model.Chat) model.Chat {
	if c.Name == "" {
		if c.Phone != "" {
			c.Name = c.Phone
		} else {
			c.Name = c.ID
		}
	}
	if c.LastMessage != nil && c.LastMessage.Body == "" {
		summary := *c.LastMessage
		summary.Body = engine.TypeLabel(summary.Type)
		c.LastMessage = &summary
	}
	if c.Unread < 0 {
		c.Unread = 0
	}
	return c
}
