// Package search implements cross-chat message search: it walks the
// cached conversation list and pulls recent messages per chat from the
// live engine, matching case-insensitively on the message body.
package search

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
)

// ErrEmptyQuery rejects blank search requests before any engine work.
var ErrEmptyQuery = errors.New("search query must not be empty")

const (
	defaultMaxChats           = 20
	defaultMaxMessagesPerChat = 50
)

// Progress is streamed per scanned chat.
type Progress struct {
	AccountID model.AccountID `json:"accountId"`
	Query     string          `json:"query"`
	ChatName  string          `json:"chatName"`
	Scanned   int             `json:"scanned"`
	Total     int             `json:"total"`
	Matches   int             `json:"matches"`
}

// Results is the terminal event of one search.
type Results struct {
	AccountID model.AccountID      `json:"accountId"`
	Query     string               `json:"query"`
	Results   []model.SearchResult `json:"results"`
}

// Options bounds one search invocation. Zero values take defaults.
type Options struct {
	MaxChats           int
	MaxMessagesPerChat int
}

// Searcher runs searches against the active account. It reads the chat
// list from the cache and message bodies from the engine, so it never
// contends with a running sync.
type Searcher struct {
	reg    *registry.Registry
	cache  *cache.Cache
	bus    *bus.Bus
	logger *zap.Logger
}

func New(reg *registry.Registry, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Searcher {
	return &Searcher{reg: reg, cache: c, bus: b, logger: logger}
}

// Search scans up to MaxChats cached conversations, fetching up to
// MaxMessagesPerChat recent messages each. Per-chat fetch failures are
// logged and skipped; the scan continues.
func (s *Searcher) Search(ctx context.Context, id model.AccountID, query string, opts Options) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	handle := s.reg.Get(id)
	if handle == nil || !s.reg.IsReady(id) {
		return nil, errors.New("session not ready")
	}

	if opts.MaxChats <= 0 {
		opts.MaxChats = defaultMaxChats
	}
	if opts.MaxMessagesPerChat <= 0 {
		opts.MaxMessagesPerChat = defaultMaxMessagesPerChat
	}

	chats := s.cache.Get(ctx, id)
	if len(chats) > opts.MaxChats {
		chats = chats[:opts.MaxChats]
	}

	needle := strings.ToLower(query)
	var results []model.SearchResult

	for i, chat := range chats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages, err := handle.FetchMessages(ctx, chat.ID, opts.MaxMessagesPerChat)
		if err != nil {
			s.logger.Warn("search: skipping chat",
				zap.String("chat", chat.ID),
				zap.Error(err),
			)
			continue
		}
		for _, msg := range messages {
			if strings.Contains(strings.ToLower(msg.Body), needle) {
				results = append(results, model.SearchResult{
					ChatID:   chat.ID,
					ChatName: chat.Name,
					Message:  msg,
				})
			}
		}

		s.bus.Publish(bus.NewEvent(bus.KindSearchProgress, Progress{
			AccountID: id,
			Query:     query,
			ChatName:  chat.Name,
			Scanned:   i + 1,
			Total:     len(chats),
			Matches:   len(results),
		}))
	}

	if results == nil {
		results = []model.SearchResult{}
	}
	s.bus.Publish(bus.NewEvent(bus.KindSearchResults, Results{
		AccountID: id,
		Query:     query,
		Results:   results,
	}))
	s.logger.Info("search complete",
		zap.String("account", string(id)),
		zap.String("query", query),
		zap.Int("chats", len(chats)),
		zap.Int("matches", len(results)),
	)
	return results, nil
}
