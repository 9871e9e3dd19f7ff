package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/registry"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/store"
	"github.com/wadash/wadash/internal/writeback"
)

// fakeClient scripts Start errors per attempt.
type fakeClient struct {
	mu          sync.Mutex
	startErrs   []error
	startCalls  int
	stopCalls   int
	started     bool
	logoutCalls int
}

func (f *fakeClient) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	f.started = true
	return nil
}

func (f *fakeClient) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.started = false
	return nil
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeClient) IsAuthenticated() bool { return true }
func (f *fakeClient) PhoneNumber() string   { return "5511999990000" }
func (f *fakeClient) ListConversations(context.Context) ([]model.Chat, error) {
	return nil, nil
}
func (f *fakeClient) FetchMessages(context.Context, string, int) ([]model.Message, error) {
	return nil, nil
}
func (f *fakeClient) SendText(context.Context, string, string) (string, error) {
	return "srv1", nil
}
func (f *fakeClient) AvatarURL(context.Context, string) (string, error) { return "", nil }

// testManager builds a manager whose factory hands out scripted
// clients and whose sleep is instant.
func testManager(t *testing.T, clients map[model.AccountID][]*fakeClient) (*Manager, *registry.Registry, *bus.Bus) {
	t.Helper()
	reg := registry.New()
	b := bus.New()
	wb := writeback.NewQueue(16, zap.NewNop())
	wb.Start(context.Background())
	t.Cleanup(wb.Stop)

	factory := func(_ context.Context, id model.AccountID) (engine.Client, error) {
		queue := clients[id]
		if len(queue) == 0 {
			t.Fatalf("factory exhausted for %s", id)
		}
		c := queue[0]
		clients[id] = queue[1:]
		return c, nil
	}

	m := NewManager(reg, factory, session.Paths{Root: t.TempDir()}, b, nil, wb, zap.NewNop())
	m.sleep = func(context.Context, time.Duration) {}
	return m, reg, b
}

func TestInitializeSuccess(t *testing.T) {
	c := &fakeClient{}
	m, reg, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c}})

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	if c.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", c.startCalls)
	}
	if reg.Get("acc1") == nil {
		t.Error("handle not registered")
	}
}

func TestInitializeTransientRetries(t *testing.T) {
	// First two clients fail with transient errors, third succeeds.
	c1 := &fakeClient{startErrs: []error{errors.New("navigation timeout exceeded")}}
	c2 := &fakeClient{startErrs: []error{errors.New("protocol error: target closed")}}
	c3 := &fakeClient{}
	m, _, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c1, c2, c3}})

	var delays []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) { delays = append(delays, d) }

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	if c3.startCalls != 1 {
		t.Error("third client never started")
	}
	// Linear backoff: 3s × attempt.
	if len(delays) != 2 || delays[0] != 3*time.Second || delays[1] != 6*time.Second {
		t.Errorf("delays = %v, want [3s 6s]", delays)
	}
}

func TestInitializeGivesUpAfterBoundedRetries(t *testing.T) {
	mk := func() *fakeClient {
		return &fakeClient{startErrs: []error{errors.New("navigation timeout")}}
	}
	m, reg, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {mk(), mk(), mk()}})

	err := m.Initialize(context.Background(), "acc1")
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	// Un-ready, but the process keeps running and the handle is gone.
	if reg.Get("acc1") != nil {
		t.Error("failed handle left in registry")
	}
	if reg.IsReady("acc1") {
		t.Error("account reported ready after failure")
	}
}

func TestInitializeFatalNotRetried(t *testing.T) {
	c := &fakeClient{startErrs: []error{errors.New("credentials corrupted beyond repair")}}
	m, _, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c}})

	slept := false
	m.sleep = func(context.Context, time.Duration) { slept = true }

	if err := m.Initialize(context.Background(), "acc1"); err == nil {
		t.Fatal("expected error")
	}
	if slept {
		t.Error("fatal error was retried")
	}
	if c.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", c.startCalls)
	}
}

func TestContentionRunsOrphanCleanup(t *testing.T) {
	c1 := &fakeClient{startErrs: []error{errors.New("credential lock held by PID 12345")}}
	c2 := &fakeClient{}
	clients := map[model.AccountID][]*fakeClient{"acc1": {c1, c2}}
	m, _, _ := testManager(t, clients)

	// Plant a stale lock file; cleanup must remove it before retrying.
	credDir := m.paths.CredentialDir("acc1")
	if err := os.MkdirAll(credDir, 0700); err != nil {
		t.Fatal(err)
	}
	lockPath := credDir + "/LOCK"
	if err := os.WriteFile(lockPath, []byte("pid=12345\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("stale lock file not cleaned up")
	}
}

func TestEnsureExclusiveSessionDestroysOthers(t *testing.T) {
	c1 := &fakeClient{}
	c2 := &fakeClient{}
	m, reg, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c1}, "acc2": {c2}})

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	reg.MarkReady("acc1", true)

	if err := m.Initialize(context.Background(), "acc2"); err != nil {
		t.Fatal(err)
	}

	if c1.stopCalls == 0 {
		t.Error("acc1's handle survived acc2's initialize")
	}
	if reg.Get("acc1") != nil {
		t.Error("acc1 still in registry")
	}
	if reg.IsReady("acc1") {
		t.Error("acc1 still ready")
	}
	// Never two ready accounts at once.
	if len(reg.ReadyAccounts()) > 1 {
		t.Errorf("ready accounts = %v", reg.ReadyAccounts())
	}
}

func TestSwitchToIdempotentWhenCurrentAndReady(t *testing.T) {
	c := &fakeClient{}
	m, reg, b := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c}})

	ch, unsub := b.Subscribe("session.", 16)
	defer unsub()

	if err := m.SwitchTo(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	reg.MarkReady("acc1", true)

	startsBefore := c.startCalls
	if err := m.SwitchTo(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	if c.startCalls != startsBefore {
		t.Error("engine restarted on idempotent switch")
	}
	if c.stopCalls != 0 {
		t.Error("engine destroyed on idempotent switch")
	}

	// Current state is re-emitted.
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if sc, ok := evt.Payload.(StatusChange); ok && sc.Ready {
				return
			}
		case <-deadline:
			t.Fatal("no ready status re-emitted")
		}
	}
}

func TestSwitchToSurvivesTransientStartFailure(t *testing.T) {
	c1 := &fakeClient{startErrs: []error{errors.New("protocol error: target closed")}}
	c2 := &fakeClient{}
	m, reg, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc2": {c1, c2}})

	if err := m.SwitchTo(context.Background(), "acc2"); err != nil {
		t.Fatal(err)
	}
	// The failed first attempt must not unselect the account.
	if got := reg.Current(); got != model.AccountID("acc2") {
		t.Fatalf("current = %q, want acc2", got)
	}
	if reg.Get("acc2") == nil {
		t.Error("handle not registered after retry")
	}
	if c1.stopCalls != 1 {
		t.Errorf("failed client stop calls = %d, want 1", c1.stopCalls)
	}
	if c2.startCalls != 1 {
		t.Errorf("replacement start calls = %d, want 1", c2.startCalls)
	}
}

type fakePhoneBook struct {
	mu     sync.Mutex
	phones map[model.AccountID]string
}

func (f *fakePhoneBook) SetPhone(id model.AccountID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones[id] = phone
	return nil
}

func (f *fakePhoneBook) get(id model.AccountID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phones[id]
}

func TestAuthenticationRecordsPhone(t *testing.T) {
	c := &fakeClient{}
	m, _, b := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c}})
	book := &fakePhoneBook{phones: make(map[model.AccountID]string)}
	m.SetPhoneDirectory(book)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.NewEvent(bus.KindEngineAuth, engine.Event{AccountID: "acc1"}))

	deadline := time.Now().Add(time.Second)
	for book.get("acc1") != c.PhoneNumber() {
		if time.Now().After(deadline) {
			t.Fatalf("phone = %q, want %q", book.get("acc1"), c.PhoneNumber())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineEventsAppendToEventLog(t *testing.T) {
	tmp := t.TempDir()
	db, err := store.Open(filepath.Join(tmp, "wadash.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	b := bus.New()
	wb := writeback.NewQueue(16, zap.NewNop())
	wb.Start(context.Background())
	t.Cleanup(wb.Stop)

	factory := func(context.Context, model.AccountID) (engine.Client, error) {
		return &fakeClient{}, nil
	}
	m := NewManager(reg, factory, session.Paths{Root: tmp}, b, db, wb, zap.NewNop())
	m.sleep = func(context.Context, time.Duration) {}
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.NewEvent(bus.KindEngineReady, engine.Event{AccountID: "acc1"}))
	b.Publish(bus.NewEvent(bus.KindEngineDisconnected, engine.Event{AccountID: "acc1", Reason: "connection lost"}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM event_log WHERE account_id = ?`, "acc1").Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event log rows = %d, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var kind, payload string
	err = db.QueryRow(`SELECT kind, payload FROM event_log WHERE account_id = ? ORDER BY id DESC LIMIT 1`, "acc1").
		Scan(&kind, &payload)
	if err != nil {
		t.Fatal(err)
	}
	if kind != bus.KindEngineDisconnected || payload != "connection lost" {
		t.Errorf("last event = %s/%q", kind, payload)
	}
}

func TestStopAll(t *testing.T) {
	c1 := &fakeClient{}
	m, reg, _ := testManager(t, map[model.AccountID][]*fakeClient{"acc1": {c1}})

	if err := m.Initialize(context.Background(), "acc1"); err != nil {
		t.Fatal(err)
	}
	m.StopAll(context.Background())
	if c1.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1", c1.stopCalls)
	}
	if len(reg.Tracked()) != 0 {
		t.Errorf("tracked = %v, want empty", reg.Tracked())
	}
}
