package bus

import "time"

// Event represents a domain event published on the bus. Kind uses
// dotted namespaces so subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind constants. Engine events originate from the automation
// adapter, sync events from the pipeline, account events from the
// directory, session events from the lifecycle manager.
const (
	KindEngineQR           = "engine.qr"
	KindEngineAuth         = "engine.authenticated"
	KindEngineReady        = "engine.ready"
	KindEngineDisconnected = "engine.disconnected"
	KindEngineMessage      = "engine.message"

	KindSyncProgress = "sync.progress"
	KindSyncChat     = "sync.chat"
	KindSyncClear    = "sync.clear"
	KindSyncComplete = "sync.complete"

	KindSearchProgress = "search.progress"
	KindSearchResults  = "search.results"

	KindAccountsChanged = "account.changed"
	KindAccountSwitched = "account.switched"

	KindSessionStatus  = "session.status"
	KindSessionCleared = "session.cleared"
)

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
