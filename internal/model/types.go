package model

// AccountID identifies one managed WhatsApp account.
type AccountID string

func (id AccountID) String() string { return string(id) }

// Account represents a managed account. At most one account is active
// at a time; Phone stays nil until the engine authenticates.
type Account struct {
	ID        AccountID `json:"id"`
	Name      string    `json:"name"`
	Phone     *string   `json:"phone"`
	IsActive  bool      `json:"isActive"`
	OwnerID   *string   `json:"ownerId,omitempty"`
	CreatedAt int64     `json:"createdAt"`
}

// Session tracks the engine connection state for one account.
// Invariant: Ready implies Authenticated.
type Session struct {
	AccountID          AccountID `json:"accountId"`
	Authenticated      bool      `json:"authenticated"`
	Ready              bool      `json:"ready"`
	LastConnectedAt    int64     `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt int64     `json:"lastDisconnectedAt,omitempty"`
	DisconnectReason   string    `json:"disconnectReason,omitempty"`
}

// MessageSummary is the last-message preview carried on a chat.
type MessageSummary struct {
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
}

// Chat is a conversation as seen by the engine, normalized for the
// cache. IDs are engine-native ("<number>@c.us" or "<id>@g.us") and
// unique per (account, chat).
type Chat struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Phone        string          `json:"phone,omitempty"`
	AvatarURL    string          `json:"avatarUrl,omitempty"`
	IsGroup      bool            `json:"isGroup"`
	Participants int             `json:"participants,omitempty"`
	Unread       int             `json:"unread"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// Message is a single message fetched from the engine.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	FromMe     bool   `json:"fromMe"`
}

// SyncState is the lifecycle state of a sync run.
type SyncState string

const (
	SyncIdle      SyncState = "idle"
	SyncSyncing   SyncState = "syncing"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)

// SyncStatus is the per-account sync progress record. Progress is an
// integer percentage in [0,100], non-decreasing within one run.
type SyncStatus struct {
	AccountID   AccountID `json:"accountId"`
	State       SyncState `json:"status"`
	Progress    int       `json:"progress"`
	Total       int       `json:"total"`
	Synced      int       `json:"synced"`
	Current     string    `json:"current,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   int64     `json:"startedAt,omitempty"`
	CompletedAt int64     `json:"completedAt,omitempty"`
}

// SearchResult is one matched message with its chat context.
type SearchResult struct {
	ChatID   string  `json:"chatId"`
	ChatName string  `json:"chatName"`
	Message  Message `json:"message"`
}
