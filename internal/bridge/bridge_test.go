package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/accounts"
	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/cache"
	"github.com/wadash/wadash/internal/config"
	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/lifecycle"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/search"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/status"
	chatsync "github.com/wadash/wadash/internal/sync"
	"github.com/wadash/wadash/internal/writeback"
)

type fakeEngine struct {
	sent     []string
	messages []model.Message
}

func (f *fakeEngine) Start(context.Context) error  { return nil }
func (f *fakeEngine) Stop(context.Context) error   { return nil }
func (f *fakeEngine) Logout(context.Context) error { return nil }
func (f *fakeEngine) IsAuthenticated() bool        { return true }
func (f *fakeEngine) PhoneNumber() string          { return "555" }

func (f *fakeEngine) ListConversations(context.Context) ([]model.Chat, error) { return nil, nil }

func (f *fakeEngine) FetchMessages(context.Context, string, int) ([]model.Message, error) {
	return f.messages, nil
}

func (f *fakeEngine) SendText(_ context.Context, chatID, text string) (string, error) {
	f.sent = append(f.sent, chatID+":"+text)
	return "srv-1", nil
}

func (f *fakeEngine) AvatarURL(context.Context, string) (string, error) { return "", nil }

type fixture struct {
	bridge *Bridge
	bus    *bus.Bus
	reg    *registry.Registry
	cache  *cache.Cache
	engine *fakeEngine
	client *client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()
	reg := registry.New()
	paths := session.Paths{Root: t.TempDir()}
	tracker := status.NewTracker(b)

	wb := writeback.NewQueue(64, logger)
	wb.Start(context.Background())
	t.Cleanup(wb.Stop)

	c := cache.New(nil, paths, wb, logger)
	dir := accounts.New(nil, paths, tracker, b, logger)
	runner := chatsync.NewRunner(reg, c, tracker, b, nil, wb, chatsync.Config{BatchSize: 5}, logger)
	searcher := search.New(reg, c, b, logger)

	eng := &fakeEngine{}
	reg.Set("acc1", eng)
	reg.MarkReady("acc1", true)
	reg.SetCurrent("acc1")

	hub := NewHub(logger)
	br := New(hub, dir, nil, runner, searcher, c, reg, b, paths, *config.Default(paths.Root), logger)

	cl := newClient(hub, nil)
	hub.clients[cl] = struct{}{}

	return &fixture{bridge: br, bus: b, reg: reg, cache: c, engine: eng, client: cl}
}

func recvFrame(t *testing.T, cl *client, event string) Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case raw := <-cl.send:
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatal(err)
			}
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame", event)
		}
	}
}

func command(event string, data any) Frame {
	raw, _ := json.Marshal(data)
	return Frame{Event: event, Data: raw}
}

func TestSendMessageValidationSkipsEngine(t *testing.T) {
	f := newFixture(t)

	f.bridge.Dispatch(f.client, command("sendMessage", map[string]string{"chatId": "", "message": ""}))

	frame := recvFrame(t, f.client, "sendMessageError")
	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["message"] == "" {
		t.Error("empty error message")
	}
	if len(f.engine.sent) != 0 {
		t.Errorf("engine was called: %v", f.engine.sent)
	}
}

func TestSendMessageSuccess(t *testing.T) {
	f := newFixture(t)

	f.bridge.Dispatch(f.client, command("sendMessage", map[string]string{
		"chatId": "123@c.us", "message": "hello",
	}))

	frame := recvFrame(t, f.client, "messageSent")
	var payload map[string]string
	_ = json.Unmarshal(frame.Data, &payload)
	if payload["messageId"] != "srv-1" || payload["chatId"] != "123@c.us" {
		t.Errorf("payload = %v", payload)
	}
	if len(f.engine.sent) != 1 || f.engine.sent[0] != "123@c.us:hello" {
		t.Errorf("sent = %v", f.engine.sent)
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	f := newFixture(t)

	f.bridge.Dispatch(f.client, command("searchMessages", map[string]string{"query": ""}))

	frame := recvFrame(t, f.client, "error")
	var payload errorPayload
	_ = json.Unmarshal(frame.Data, &payload)
	if payload.Scope != "searchMessages" || payload.Retryable {
		t.Errorf("payload = %+v", payload)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.bridge.Dispatch(f.client, Frame{Event: "definitelyNotACommand"})
	recvFrame(t, f.client, "error")
}

func TestGetChatsServesCache(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(context.Background(), "acc1", []model.Chat{{ID: "a@c.us", Name: "A"}})

	f.bridge.Dispatch(f.client, Frame{Event: "getChats"})

	frame := recvFrame(t, f.client, "chats")
	var payload struct {
		List []model.Chat `json:"list"`
	}
	_ = json.Unmarshal(frame.Data, &payload)
	if len(payload.List) != 1 || payload.List[0].ID != "a@c.us" {
		t.Errorf("list = %+v", payload.List)
	}
}

func TestGetMessagesRequiresChatID(t *testing.T) {
	f := newFixture(t)
	f.bridge.Dispatch(f.client, command("getMessages", map[string]any{"limit": 10}))
	recvFrame(t, f.client, "error")
}

func TestRelayMapsBusEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.bridge.Start(ctx)
	defer f.bridge.Stop()

	f.bus.Publish(bus.NewEvent(bus.KindSessionStatus, lifecycle.StatusChange{AccountID: "acc1", Ready: true}))
	frame := recvFrame(t, f.client, "status")
	var st struct {
		IsReady bool `json:"isReady"`
	}
	_ = json.Unmarshal(frame.Data, &st)
	if !st.IsReady {
		t.Error("isReady = false")
	}
	recvFrame(t, f.client, "ready")

	f.bus.Publish(bus.NewEvent(bus.KindEngineQR, engine.Event{AccountID: "acc1", QRCode: "pair-me"}))
	frame = recvFrame(t, f.client, "qr")
	var qr struct {
		Code string `json:"code"`
		PNG  string `json:"png"`
	}
	_ = json.Unmarshal(frame.Data, &qr)
	if qr.Code != "pair-me" || qr.PNG == "" {
		t.Errorf("qr = %+v", qr)
	}

	f.bus.Publish(bus.NewEvent(bus.KindSyncChat, chatsync.ChatEvent{
		AccountID: "acc1",
		Chat:      model.Chat{ID: "a@c.us"},
		Index:     3,
		Total:     10,
	}))
	frame = recvFrame(t, f.client, "syncChat")
	var sc struct {
		Index int `json:"index"`
		Total int `json:"total"`
	}
	_ = json.Unmarshal(frame.Data, &sc)
	if sc.Index != 3 || sc.Total != 10 {
		t.Errorf("syncChat = %+v", sc)
	}

	f.bus.Publish(bus.NewEvent(bus.KindSyncComplete, chatsync.CompleteEvent{
		AccountID: "acc1", Total: 2, Success: 2,
		Chats: []model.Chat{{ID: "a@c.us"}, {ID: "b@c.us"}},
	}))
	recvFrame(t, f.client, "syncComplete")
	frame = recvFrame(t, f.client, "chats")
	var snapshot struct {
		List []model.Chat `json:"list"`
	}
	_ = json.Unmarshal(frame.Data, &snapshot)
	if len(snapshot.List) != 2 {
		t.Errorf("snapshot = %+v", snapshot.List)
	}

	f.bus.Publish(bus.NewEvent(bus.KindAccountSwitched, model.AccountID("acc2")))
	frame = recvFrame(t, f.client, "currentAccount")
	var cur struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(frame.Data, &cur)
	if cur.ID != "acc2" {
		t.Errorf("currentAccount = %q", cur.ID)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(context.Background(), "acc1", []model.Chat{{ID: "a@c.us", Name: "A"}})

	e := echo.New()
	f.bridge.Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(command("getChats", nil)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "chats" {
		t.Fatalf("event = %q, want chats", frame.Event)
	}
	var payload struct {
		List []model.Chat `json:"list"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.List) != 1 || payload.List[0].ID != "a@c.us" {
		t.Errorf("list = %+v", payload.List)
	}

	// Health endpoint reports the hub state.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != HealthHealthy {
		t.Errorf("health = %q", health.Status)
	}
}

func TestHubHealthThresholds(t *testing.T) {
	h := NewHub(zap.NewNop())
	if got := h.Health(); got != HealthHealthy {
		t.Fatalf("health = %s", got)
	}
	h.noteHeartbeatFailure()
	if got := h.Health(); got != HealthDegraded {
		t.Fatalf("health after 1 failure = %s", got)
	}
	h.noteHeartbeatFailure()
	h.noteHeartbeatFailure()
	if got := h.Health(); got != HealthError {
		t.Fatalf("health after 3 failures = %s", got)
	}
	h.noteHeartbeatOK()
	if got := h.Health(); got != HealthHealthy {
		t.Fatalf("health after recovery = %s", got)
	}
}
