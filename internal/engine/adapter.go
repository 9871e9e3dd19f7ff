package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/lock"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// maxBufferedMessages bounds the per-chat message buffer fed by live
// and history-sync events.
const maxBufferedMessages = 200

// Adapter wraps a whatsmeow client for one account and publishes
// lifecycle events on the bus.
type Adapter struct {
	accountID model.AccountID
	client    *whatsmeow.Client
	container *sqlstore.Container
	lock      *lock.Lock
	bus       *bus.Bus
	logger    *zap.Logger

	mu    sync.RWMutex
	chats map[string]*chatState
	msgs  map[string][]model.Message

	qrCancel context.CancelFunc
}

// chatState accumulates conversation metadata from history sync and
// live messages.
type chatState struct {
	name         string
	isGroup      bool
	unread       int
	participants int
	last         *model.MessageSummary
	timestamp    int64
}

// NewFactory returns a Factory producing whatsmeow-backed adapters
// rooted under the given paths.
func NewFactory(paths session.Paths, deviceName string, b *bus.Bus, logger *zap.Logger) Factory {
	wastore.SetOSInfo(deviceName, [3]uint32{0, 1, 0})
	return func(ctx context.Context, accountID model.AccountID) (Client, error) {
		return NewAdapter(ctx, paths, accountID, b, logger)
	}
}

// NewAdapter creates an unstarted adapter bound to the account's
// credential directory. The credential lock is taken here so a crashed
// sibling process is detected before any connection work happens.
func NewAdapter(ctx context.Context, paths session.Paths, accountID model.AccountID, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	if err := paths.EnsureAccountDir(accountID); err != nil {
		return nil, fmt.Errorf("ensure account dir: %w", err)
	}

	credLock, err := lock.Acquire(paths.CredentialDir(accountID))
	if err != nil {
		return nil, err
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", paths.CredentialDBPath(accountID)),
		nil,
	)
	if err != nil {
		_ = credLock.Release()
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = credLock.Release()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		accountID: accountID,
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		lock:      credLock,
		bus:       b,
		logger:    logger.With(zap.String("account", string(accountID))),
		chats:     make(map[string]*chatState),
		msgs:      make(map[string][]model.Message),
	}
	a.client.AddEventHandler(a.handleEvent)
	return a, nil
}

// IsAuthenticated returns whether credentials exist for this account.
func (a *Adapter) IsAuthenticated() bool {
	return a.client.Store.ID != nil
}

// PhoneNumber returns the phone number from the device store, or empty.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// Start connects to WhatsApp. When unauthenticated, QR codes are
// streamed on the bus until pairing completes or ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.IsAuthenticated() {
		qrCtx, cancel := context.WithCancel(context.Background())
		a.qrCancel = cancel
		ch, err := a.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get QR channel: %w", err)
		}
		go a.forwardQR(ch)
	}
	a.logger.Info("connecting to WhatsApp")
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Adapter) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event == "code" {
			a.bus.Publish(bus.NewEvent(bus.KindEngineQR, Event{
				AccountID: a.accountID,
				QRCode:    item.Code,
			}))
		}
	}
}

// Stop disconnects and releases the credential lock.
func (a *Adapter) Stop(_ context.Context) error {
	if a.qrCancel != nil {
		a.qrCancel()
		a.qrCancel = nil
	}
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	return a.lock.Release()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// SendText sends a text message to the given chat. Returns the server
// message ID.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	a.recordMessage(model.Message{
		ID:        resp.ID,
		ChatID:    to.String(),
		Body:      text,
		Type:      "text",
		Timestamp: resp.Timestamp.UnixMilli(),
		FromMe:    true,
	})
	return resp.ID, nil
}

// ListConversations assembles the chat list from the device store
// (contacts, joined groups) merged with metadata accumulated from
// history sync and live messages. Sorted by last activity descending.
func (a *Adapter) ListConversations(ctx context.Context) ([]model.Chat, error) {
	groups, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}

	a.mu.Lock()
	for _, g := range groups {
		id := g.JID.String()
		st := a.chats[id]
		if st == nil {
			st = &chatState{}
			a.chats[id] = st
		}
		st.isGroup = true
		st.participants = len(g.Participants)
		if g.Name != "" {
			st.name = g.Name
		}
	}
	a.mu.Unlock()

	contacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
	}
	names := make(map[string]string, len(contacts))
	for jid, info := range contacts {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		names[jid.ToNonAD().String()] = name
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	chats := make([]model.Chat, 0, len(a.chats))
	for id, st := range a.chats {
		c := model.Chat{
			ID:           id,
			Name:         st.name,
			IsGroup:      st.isGroup,
			Participants: st.participants,
			Unread:       st.unread,
			LastMessage:  st.last,
			Timestamp:    st.timestamp,
		}
		if c.Name == "" {
			c.Name = names[id]
		}
		if !c.IsGroup {
			if jid, err := types.ParseJID(id); err == nil {
				c.Phone = jid.User
			}
		}
		// Name fallback chain ends at the raw identifier.
		if c.Name == "" {
			if c.Phone != "" {
				c.Name = c.Phone
			} else {
				c.Name = id
			}
		}
		chats = append(chats, c)
	}

	sort.Slice(chats, func(i, j int) bool { return chats[i].Timestamp > chats[j].Timestamp })
	return chats, nil
}

// FetchMessages returns up to limit buffered messages for a chat,
// oldest first.
func (a *Adapter) FetchMessages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buf := a.msgs[chatID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]model.Message, len(buf))
	copy(out, buf)
	return out, nil
}

// AvatarURL fetches the profile picture URL for a chat. A chat with no
// picture yields an empty string, not an error.
func (a *Adapter) AvatarURL(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (a *Adapter) recordMessage(m model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := append(a.msgs[m.ChatID], m)
	if len(buf) > maxBufferedMessages {
		buf = buf[len(buf)-maxBufferedMessages:]
	}
	a.msgs[m.ChatID] = buf

	st := a.chats[m.ChatID]
	if st == nil {
		st = &chatState{}
		a.chats[m.ChatID] = st
	}
	if m.Timestamp >= st.timestamp {
		st.timestamp = m.Timestamp
		st.last = &model.MessageSummary{
			Body:      m.Body,
			Sender:    m.Sender,
			Type:      m.Type,
			Timestamp: m.Timestamp,
			FromMe:    m.FromMe,
		}
	}
}

func (a *Adapter) bumpUnread(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.chats[chatID]; st != nil {
		st.unread++
	}
}
