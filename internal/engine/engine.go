package engine

import (
	"context"

	"github.com/wadash/wadash/internal/model"
)

// Client is one automation-engine instance bound to one account's
// credentials. Implementations must be safe for concurrent reads; the
// lifecycle manager serializes Start/Stop.
type Client interface {
	// Start connects the client. Lifecycle events (qr, authenticated,
	// ready, disconnected, message) are published on the bus by the
	// implementation.
	Start(ctx context.Context) error
	// Stop gracefully disconnects and releases the credential lock.
	Stop(ctx context.Context) error
	// Logout invalidates the stored credentials.
	Logout(ctx context.Context) error

	IsAuthenticated() bool
	PhoneNumber() string

	ListConversations(ctx context.Context) ([]model.Chat, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	SendText(ctx context.Context, chatID, text string) (string, error)
	// AvatarURL is best-effort enrichment; implementations return an
	// empty string rather than an error when no picture is set.
	AvatarURL(ctx context.Context, chatID string) (string, error)
}

// Factory constructs an unstarted client for an account. The lifecycle
// manager is the only caller.
type Factory func(ctx context.Context, accountID model.AccountID) (Client, error)

// Event is the payload published on the bus for engine lifecycle and
// message events.
type Event struct {
	AccountID model.AccountID
	QRCode    string
	Reason    string
	Message   *model.Message
}
