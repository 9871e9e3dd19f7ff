package lifecycle

import (
	"strings"
	"time"
)

// ErrorKind buckets engine initialization failures into retry
// policies.
type ErrorKind int

const (
	// KindFatal errors are not retried; the account stays un-ready.
	KindFatal ErrorKind = iota
	// KindContention means another process holds the credential lock;
	// orphan cleanup runs before each retry.
	KindContention
	// KindTransient covers navigation/protocol noise worth retrying
	// with linear backoff.
	KindTransient
)

// Policy describes how a classified error is handled.
type Policy struct {
	Kind       ErrorKind
	MaxRetries int
	// Backoff is the base delay; transient retries wait
	// Backoff × attempt (linear).
	Backoff time.Duration
}

// rule maps an error-substring to its policy. The table is ordered:
// first match wins.
type rule struct {
	substr string
	policy Policy
}

var classification = []rule{
	{"lock held", Policy{Kind: KindContention, MaxRetries: 2, Backoff: time.Second}},
	{"database is locked", Policy{Kind: KindContention, MaxRetries: 2, Backoff: time.Second}},
	{"resource busy", Policy{Kind: KindContention, MaxRetries: 2, Backoff: time.Second}},
	{"already in use", Policy{Kind: KindContention, MaxRetries: 2, Backoff: time.Second}},

	{"timeout", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"timed out", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"protocol error", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"target closed", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"detached frame", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"stream error", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"connection reset", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
	{"websocket", Policy{Kind: KindTransient, MaxRetries: 2, Backoff: 3 * time.Second}},
}

// Classify returns the retry policy for an initialization error.
func Classify(err error) Policy {
	if err == nil {
		return Policy{Kind: KindFatal}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range classification {
		if strings.Contains(msg, r.substr) {
			return r.policy
		}
	}
	return Policy{Kind: KindFatal}
}

// IsSessionDestroyed recognizes the "underlying page/session is gone"
// failure class: the sync pipeline falls back to cache instead of
// retrying these.
func IsSessionDestroyed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"session closed", "session destroyed", "target closed", "page has been closed", "not logged in", "client is nil"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
