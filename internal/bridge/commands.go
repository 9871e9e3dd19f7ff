package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/accounts"
	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/config"
	"github.com/wadash/wadash/internal/lifecycle"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/search"
	"github.com/wadash/wadash/internal/session"
	chatsync "github.com/wadash/wadash/internal/sync"
)

// Bridge maps wire commands onto the daemon's components and relays
// internal bus events back out to clients.
type Bridge struct {
	hub      *Hub
	dir      *accounts.Directory
	manager  *lifecycle.Manager
	runner   *chatsync.Runner
	searcher *search.Searcher
	cache    *cache.Cache
	reg      *registry.Registry
	bus      *bus.Bus
	paths    session.Paths
	cfg      config.Config
	logger   *zap.Logger

	stop func()
}

func New(hub *Hub, dir *accounts.Directory, manager *lifecycle.Manager, runner *chatsync.Runner, searcher *search.Searcher, c *cache.Cache, reg *registry.Registry, b *bus.Bus, paths session.Paths, cfg config.Config, logger *zap.Logger) *Bridge {
	return &Bridge{
		hub:      hub,
		dir:      dir,
		manager:  manager,
		runner:   runner,
		searcher: searcher,
		cache:    c,
		reg:      reg,
		bus:      b,
		paths:    paths,
		cfg:      cfg,
		logger:   logger,
	}
}

// Hub exposes the underlying hub for route registration and health.
func (b *Bridge) Hub() *Hub { return b.hub }

// Dispatch routes one inbound frame. Unknown commands get a scoped
// error, never a dropped connection.
func (b *Bridge) Dispatch(cl *client, frame Frame) {
	b.logger.Debug("command", zap.String("event", frame.Event))
	switch frame.Event {
	case "getAccounts":
		b.handleGetAccounts(cl, frame.Data)
	case "addAccount":
		b.handleAddAccount(cl, frame.Data)
	case "switchAccount":
		b.handleSwitchAccount(cl, frame.Data)
	case "deleteAccount":
		b.handleDeleteAccount(cl, frame.Data)
	case "syncAllChats":
		b.handleSyncAllChats(cl, frame.Data)
	case "cancelSync":
		b.handleCancelSync(cl)
	case "quickSync":
		b.handleQuickSync(cl)
	case "getChats":
		b.handleGetChats(cl)
	case "getMessages":
		b.handleGetMessages(cl, frame.Data)
	case "sendMessage":
		b.handleSendMessage(cl, frame.Data)
	case "searchMessages":
		b.handleSearchMessages(cl, frame.Data)
	case "logout":
		b.handleLogout(cl)
	case "clearSessions":
		b.handleClearSessions(cl)
	case "reconnect":
		b.handleReconnect(cl)
	default:
		cl.replyError("unknown command: "+frame.Event, frame.Event, false)
	}
}

// currentAccount resolves the account commands operate on: the
// registry's current session, falling back to the directory's active
// account.
func (b *Bridge) currentAccount() (model.AccountID, error) {
	if id := b.reg.Current(); id != "" {
		return id, nil
	}
	acc, err := b.dir.Active()
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", errors.New("no active account")
	}
	return acc.ID, nil
}

func (b *Bridge) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.Engine.CallTimeout.Duration())
}

func (b *Bridge) handleGetAccounts(cl *client, data json.RawMessage) {
	var req struct {
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(data, &req)

	list, err := b.dir.List(req.UserID)
	if err != nil {
		cl.replyError(err.Error(), "getAccounts", true)
		return
	}
	cl.reply("accounts", map[string]any{"list": list})
	if id, err := b.currentAccount(); err == nil {
		cl.reply("currentAccount", map[string]any{"id": id})
	}
}

func (b *Bridge) handleAddAccount(cl *client, data json.RawMessage) {
	var req struct {
		Name   string `json:"name"`
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(data, &req)
	if req.Name == "" {
		cl.replyError("account name is required", "addAccount", false)
		return
	}
	acc, err := b.dir.Add(req.Name, req.UserID)
	if err != nil {
		cl.replyError(err.Error(), "addAccount", true)
		return
	}
	b.logger.Info("account added", zap.String("account", string(acc.ID)))
}

func (b *Bridge) handleSwitchAccount(cl *client, data json.RawMessage) {
	var req struct {
		AccountID model.AccountID `json:"accountId"`
	}
	_ = json.Unmarshal(data, &req)
	if req.AccountID == "" {
		cl.replyError("accountId is required", "switchAccount", false)
		return
	}
	if _, err := b.dir.Get(req.AccountID); err != nil {
		cl.replyError(err.Error(), "switchAccount", false)
		return
	}
	if err := b.dir.SetActive(req.AccountID); err != nil {
		cl.replyError(err.Error(), "switchAccount", true)
		return
	}
	go func() {
		if err := b.manager.SwitchTo(context.Background(), req.AccountID); err != nil {
			b.logger.Error("switch failed",
				zap.String("account", string(req.AccountID)),
				zap.Error(err),
			)
			b.hub.Broadcast("error", errorPayload{
				Message:   "failed to start session: " + err.Error(),
				Scope:     "switchAccount",
				Retryable: true,
			})
		}
	}()
}

func (b *Bridge) handleDeleteAccount(cl *client, data json.RawMessage) {
	var req struct {
		AccountID model.AccountID `json:"accountId"`
	}
	_ = json.Unmarshal(data, &req)
	if req.AccountID == "" {
		cl.replyError("accountId is required", "deleteAccount", false)
		return
	}
	if b.reg.Current() == req.AccountID {
		ctx, cancel := b.callCtx()
		b.manager.Destroy(ctx, req.AccountID)
		cancel()
	}
	b.cache.Clear(context.Background(), req.AccountID)
	if err := b.dir.Delete(req.AccountID); err != nil {
		cl.replyError(err.Error(), "deleteAccount", true)
		return
	}
}

func (b *Bridge) handleSyncAllChats(cl *client, data json.RawMessage) {
	var req struct {
		MaxChats        int  `json:"maxChats"`
		IncrementalOnly bool `json:"incrementalOnly"`
	}
	_ = json.Unmarshal(data, &req)

	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "syncAllChats", false)
		return
	}
	maxChats := req.MaxChats
	if maxChats <= 0 {
		maxChats = b.cfg.Sync.MaxChats
	}
	go func() {
		err := b.runner.Run(context.Background(), id, chatsync.Options{
			MaxChats:        maxChats,
			IncrementalOnly: req.IncrementalOnly,
		})
		if err != nil {
			b.hub.Broadcast("error", errorPayload{
				Message:   "sync failed: " + err.Error(),
				Scope:     "syncAllChats",
				Retryable: true,
			})
		}
	}()
}

func (b *Bridge) handleCancelSync(cl *client) {
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "cancelSync", false)
		return
	}
	b.runner.Cancel(id)
}

func (b *Bridge) handleQuickSync(cl *client) {
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "quickSync", false)
		return
	}
	go func() {
		_ = b.runner.Run(context.Background(), id, chatsync.Options{
			MaxChats:        b.cfg.Sync.QuickSyncChats,
			IncrementalOnly: true,
		})
	}()
}

func (b *Bridge) handleGetChats(cl *client) {
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "getChats", false)
		return
	}
	chats := b.cache.Get(context.Background(), id)
	if chats == nil {
		chats = []model.Chat{}
	}
	cl.reply("chats", map[string]any{"list": chats})
}

func (b *Bridge) handleGetMessages(cl *client, data json.RawMessage) {
	var req struct {
		ChatID string `json:"chatId"`
		Limit  int    `json:"limit"`
	}
	_ = json.Unmarshal(data, &req)
	if req.ChatID == "" {
		cl.replyError("chatId is required", "getMessages", false)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "getMessages", false)
		return
	}
	handle := b.reg.Get(id)
	if handle == nil || !b.reg.IsReady(id) {
		cl.replyError("session not ready", "getMessages", true)
		return
	}

	ctx, cancel := b.callCtx()
	defer cancel()
	messages, err := handle.FetchMessages(ctx, req.ChatID, req.Limit)
	if err != nil {
		cl.replyError(err.Error(), "getMessages", true)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	cl.reply("messages", map[string]any{"chatId": req.ChatID, "messages": messages})
}

func (b *Bridge) handleSendMessage(cl *client, data json.RawMessage) {
	var req struct {
		ChatID  string `json:"chatId"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &req)

	// Validation failures never reach the engine.
	if req.ChatID == "" || req.Message == "" {
		cl.reply("sendMessageError", map[string]any{
			"chatId":  req.ChatID,
			"message": "chatId and message are required",
		})
		return
	}

	id, err := b.currentAccount()
	if err != nil {
		cl.reply("sendMessageError", map[string]any{"chatId": req.ChatID, "message": err.Error()})
		return
	}
	handle := b.reg.Get(id)
	if handle == nil || !b.reg.IsReady(id) {
		cl.reply("sendMessageError", map[string]any{"chatId": req.ChatID, "message": "session not ready"})
		return
	}

	ctx, cancel := b.callCtx()
	defer cancel()
	serverID, err := handle.SendText(ctx, req.ChatID, req.Message)
	if err != nil {
		b.logger.Warn("send failed", zap.String("chat", req.ChatID), zap.Error(err))
		cl.reply("sendMessageError", map[string]any{"chatId": req.ChatID, "message": err.Error()})
		return
	}
	cl.reply("messageSent", map[string]any{"chatId": req.ChatID, "messageId": serverID})
}

func (b *Bridge) handleSearchMessages(cl *client, data json.RawMessage) {
	var req struct {
		Query              string `json:"query"`
		MaxChats           int    `json:"maxChats"`
		MaxMessagesPerChat int    `json:"maxMessagesPerChat"`
	}
	_ = json.Unmarshal(data, &req)
	if req.Query == "" {
		cl.replyError("search query must not be empty", "searchMessages", false)
		return
	}
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "searchMessages", false)
		return
	}
	go func() {
		_, err := b.searcher.Search(context.Background(), id, req.Query, search.Options{
			MaxChats:           req.MaxChats,
			MaxMessagesPerChat: req.MaxMessagesPerChat,
		})
		if err != nil {
			b.hub.Broadcast("error", errorPayload{
				Message:   "search failed: " + err.Error(),
				Scope:     "searchMessages",
				Retryable: true,
			})
		}
	}()
}

func (b *Bridge) handleLogout(cl *client) {
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "logout", false)
		return
	}
	go func() {
		ctx, cancel := b.callCtx()
		defer cancel()
		if handle := b.reg.Get(id); handle != nil {
			if err := handle.Logout(ctx); err != nil {
				b.logger.Warn("logout failed", zap.String("account", string(id)), zap.Error(err))
			}
		}
		b.manager.Destroy(ctx, id)
	}()
}

// handleClearSessions stops everything and wipes stored credentials so
// every account pairs from scratch.
func (b *Bridge) handleClearSessions(cl *client) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		b.manager.StopAll(ctx)

		list, err := b.dir.List("")
		if err != nil {
			b.bus.Publish(bus.NewEvent(bus.KindSessionCleared, map[string]any{
				"success": false,
				"error":   err.Error(),
			}))
			return
		}
		var firstErr error
		for _, acc := range list {
			if err := os.RemoveAll(b.paths.CredentialDir(acc.ID)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		payload := map[string]any{"success": firstErr == nil}
		if firstErr != nil {
			payload["error"] = firstErr.Error()
		}
		b.logger.Info("sessions cleared", zap.Int("accounts", len(list)))
		b.bus.Publish(bus.NewEvent(bus.KindSessionCleared, payload))
	}()
}

func (b *Bridge) handleReconnect(cl *client) {
	id, err := b.currentAccount()
	if err != nil {
		cl.replyError(err.Error(), "reconnect", false)
		return
	}
	go func() {
		if err := b.manager.SwitchTo(context.Background(), id); err != nil {
			b.hub.Broadcast("error", errorPayload{
				Message:   "reconnect failed: " + err.Error(),
				Scope:     "reconnect",
				Retryable: true,
			})
		}
	}()
}
