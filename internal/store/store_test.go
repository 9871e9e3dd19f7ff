package store

import (
	"path/filepath"
	"testing"

	"github.com/wadash/wadash/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAccountCRUD(t *testing.T) {
	db := testDB(t)

	phone := "5511999990000"
	acc := &model.Account{ID: "acc1", Name: "Main", Phone: &phone, IsActive: true, CreatedAt: 1000}
	if err := db.UpsertAccount(acc); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetAccount("acc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Main" || got.Phone == nil || *got.Phone != phone {
		t.Fatalf("got %+v", got)
	}

	missing, err := db.GetAccount("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing account")
	}

	if err := db.DeleteAccount("acc1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetAccount("acc1")
	if got != nil {
		t.Fatal("account survived delete")
	}
}

func TestListAccountsOwnerFilter(t *testing.T) {
	db := testDB(t)

	owner := "user1"
	for _, a := range []*model.Account{
		{ID: "legacy", Name: "Legacy", CreatedAt: 1},
		{ID: "mine", Name: "Mine", OwnerID: &owner, CreatedAt: 2},
	} {
		if err := db.UpsertAccount(a); err != nil {
			t.Fatal(err)
		}
	}
	other := "user2"
	if err := db.UpsertAccount(&model.Account{ID: "theirs", Name: "Theirs", OwnerID: &other, CreatedAt: 3}); err != nil {
		t.Fatal(err)
	}

	accounts, err := db.ListAccounts("user1")
	if err != nil {
		t.Fatal(err)
	}
	// Legacy accounts without owner are visible to everyone.
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts, want 2 (legacy + mine)", len(accounts))
	}

	all, err := db.ListAccounts("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d accounts, want 3", len(all))
	}
}

func TestSetActiveAccountSingleActive(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertAccount(&model.Account{ID: "a", Name: "A", IsActive: true, CreatedAt: 1})
	_ = db.UpsertAccount(&model.Account{ID: "b", Name: "B", CreatedAt: 2})

	if err := db.SetActiveAccount("b"); err != nil {
		t.Fatal(err)
	}

	accounts, _ := db.ListAccounts("")
	active := 0
	for _, a := range accounts {
		if a.IsActive {
			active++
			if a.ID != "b" {
				t.Errorf("active account = %s, want b", a.ID)
			}
		}
	}
	if active != 1 {
		t.Errorf("active count = %d, want 1", active)
	}
}

func TestChatsRoundTripAndCascade(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertAccount(&model.Account{ID: "acc1", Name: "A", CreatedAt: 1})

	chats := []model.Chat{
		{ID: "111@c.us", Name: "Alice", Phone: "111", Unread: 2, Timestamp: 2000,
			LastMessage: &model.MessageSummary{Body: "hi", Sender: "111", Type: "text", Timestamp: 2000}},
		{ID: "grp@g.us", Name: "Team", IsGroup: true, Participants: 5, Timestamp: 1000},
	}
	if err := db.ReplaceChats("acc1", chats); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListChats("acc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chats, want 2", len(got))
	}
	// Sorted by activity descending.
	if got[0].ID != "111@c.us" {
		t.Errorf("first chat = %s, want 111@c.us", got[0].ID)
	}
	if got[0].LastMessage == nil || got[0].LastMessage.Body != "hi" {
		t.Errorf("last message not reconstructed: %+v", got[0].LastMessage)
	}
	if got[1].LastMessage != nil {
		t.Errorf("group chat has unexpected last message")
	}

	// Deleting the account cascades to chats.
	if err := db.DeleteAccount("acc1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.ListChats("acc1")
	if len(got) != 0 {
		t.Fatalf("chats survived account delete: %d", len(got))
	}
}

func TestSessionAndSyncStatus(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertAccount(&model.Account{ID: "acc1", Name: "A", CreatedAt: 1})

	sess := &model.Session{AccountID: "acc1", Authenticated: true, Ready: true, LastConnectedAt: 123}
	if err := db.UpsertSession(sess); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetSession("acc1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Ready || got.LastConnectedAt != 123 {
		t.Fatalf("got %+v", got)
	}

	st := &model.SyncStatus{AccountID: "acc1", State: model.SyncSyncing, Progress: 42, Total: 100}
	if err := db.UpsertSyncStatus(st); err != nil {
		t.Fatal(err)
	}
	st.Progress = 100
	st.State = model.SyncCompleted
	if err := db.UpsertSyncStatus(st); err != nil {
		t.Fatal(err)
	}
}

func TestAppendEvent(t *testing.T) {
	db := testDB(t)
	if err := db.AppendEvent("acc1", "sync.complete", `{"total":10}`); err != nil {
		t.Fatal(err)
	}
}
