package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/writeback"
)

type fakeEngine struct {
	messages map[string][]model.Message
	fetchErr map[string]error
	limits   []int
}

func (f *fakeEngine) Start(context.Context) error  { return nil }
func (f *fakeEngine) Stop(context.Context) error   { return nil }
func (f *fakeEngine) Logout(context.Context) error { return nil }
func (f *fakeEngine) IsAuthenticated() bool        { return true }
func (f *fakeEngine) PhoneNumber() string          { return "555" }

func (f *fakeEngine) ListConversations(context.Context) ([]model.Chat, error) { return nil, nil }

func (f *fakeEngine) FetchMessages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	f.limits = append(f.limits, limit)
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	return f.messages[chatID], nil
}

func (f *fakeEngine) SendText(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeEngine) AvatarURL(context.Context, string) (string, error)        { return "", nil }

func newSearcher(t *testing.T, eng *fakeEngine, chats []model.Chat) (*Searcher, *bus.Bus) {
	t.Helper()
	b := bus.New()
	reg := registry.New()
	reg.Set("acc1", eng)
	reg.MarkReady("acc1", true)

	paths := session.Paths{Root: t.TempDir()}
	wb := writeback.NewQueue(16, zap.NewNop())
	wb.Start(context.Background())
	t.Cleanup(wb.Stop)

	c := cache.New(nil, paths, wb, zap.NewNop())
	c.Set(context.Background(), "acc1", chats)
	return New(reg, c, b, zap.NewNop()), b
}

func msg(chatID, body string) model.Message {
	return model.Message{ID: chatID + "/" + body, ChatID: chatID, Body: body, Type: "text"}
}

func TestSearchMatchesCaseInsensitively(t *testing.T) {
	eng := &fakeEngine{messages: map[string][]model.Message{
		"a@c.us": {msg("a@c.us", "Meeting at NOON"), msg("a@c.us", "unrelated")},
		"b@c.us": {msg("b@c.us", "see you at noon sharp")},
	}}
	s, _ := newSearcher(t, eng, []model.Chat{
		{ID: "a@c.us", Name: "Alice"},
		{ID: "b@c.us", Name: "Bob"},
	})

	results, err := s.Search(context.Background(), "acc1", "noon", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ChatName != "Alice" || results[1].ChatName != "Bob" {
		t.Errorf("chat names = %q, %q", results[0].ChatName, results[1].ChatName)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s, _ := newSearcher(t, &fakeEngine{}, nil)
	if _, err := s.Search(context.Background(), "acc1", "   ", Options{}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestSearchHonorsLimits(t *testing.T) {
	chats := make([]model.Chat, 5)
	for i := range chats {
		chats[i] = model.Chat{ID: fmt.Sprintf("%d@c.us", i)}
	}
	eng := &fakeEngine{}
	s, _ := newSearcher(t, eng, chats)

	if _, err := s.Search(context.Background(), "acc1", "x", Options{MaxChats: 3, MaxMessagesPerChat: 7}); err != nil {
		t.Fatal(err)
	}
	if len(eng.limits) != 3 {
		t.Errorf("chats scanned = %d, want 3", len(eng.limits))
	}
	for _, limit := range eng.limits {
		if limit != 7 {
			t.Errorf("fetch limit = %d, want 7", limit)
		}
	}
}

func TestSearchSkipsFailingChat(t *testing.T) {
	eng := &fakeEngine{
		messages: map[string][]model.Message{"b@c.us": {msg("b@c.us", "hit")}},
		fetchErr: map[string]error{"a@c.us": errors.New("timed out")},
	}
	s, _ := newSearcher(t, eng, []model.Chat{
		{ID: "a@c.us", Name: "A"},
		{ID: "b@c.us", Name: "B"},
	})

	results, err := s.Search(context.Background(), "acc1", "hit", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ChatID != "b@c.us" {
		t.Fatalf("results = %+v", results)
	}
}

func TestSearchStreamsProgressAndResults(t *testing.T) {
	eng := &fakeEngine{messages: map[string][]model.Message{
		"a@c.us": {msg("a@c.us", "needle one")},
		"b@c.us": {msg("b@c.us", "nothing")},
	}}
	s, b := newSearcher(t, eng, []model.Chat{
		{ID: "a@c.us", Name: "A"},
		{ID: "b@c.us", Name: "B"},
	})

	ch, unsub := b.Subscribe("search.", 16)
	defer unsub()

	if _, err := s.Search(context.Background(), "acc1", "needle", Options{}); err != nil {
		t.Fatal(err)
	}

	var progresses []Progress
	var final *Results
	for final == nil {
		select {
		case evt := <-ch:
			switch p := evt.Payload.(type) {
			case Progress:
				progresses = append(progresses, p)
			case Results:
				final = &p
			}
		case <-time.After(time.Second):
			t.Fatal("missing results event")
		}
	}

	if len(progresses) != 2 {
		t.Fatalf("progress events = %d, want 2", len(progresses))
	}
	if progresses[0].Scanned != 1 || progresses[1].Scanned != 2 || progresses[1].Total != 2 {
		t.Errorf("progress sequence wrong: %+v", progresses)
	}
	if final.Query != "needle" || len(final.Results) != 1 {
		t.Errorf("final = %+v", final)
	}
}

func TestSearchNotReady(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newSearcher(t, eng, nil)
	if _, err := s.Search(context.Background(), "other", "x", Options{}); err == nil {
		t.Fatal("expected not-ready error")
	}
}
