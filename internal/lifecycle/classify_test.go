package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindFatal},
		{"lock held", errors.New("credential lock held by PID 7"), KindContention},
		{"sqlite busy", errors.New("database is locked"), KindContention},
		{"navigation timeout", errors.New("Navigation Timeout Exceeded: 30000ms"), KindTransient},
		{"protocol", errors.New("Protocol error (Target.activateTarget)"), KindTransient},
		{"target closed", errors.New("Protocol error: Target closed"), KindTransient},
		{"websocket", errors.New("websocket: close 1006"), KindTransient},
		{"unknown", errors.New("something completely different"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyPolicies(t *testing.T) {
	pol := Classify(errors.New("navigation timeout"))
	if pol.MaxRetries != 2 {
		t.Errorf("transient retries = %d, want 2", pol.MaxRetries)
	}
	if pol.Backoff != 3*time.Second {
		t.Errorf("transient backoff = %v, want 3s", pol.Backoff)
	}

	pol = Classify(errors.New("resource busy"))
	if pol.MaxRetries != 2 {
		t.Errorf("contention retries = %d, want 2", pol.MaxRetries)
	}
}

func TestIsSessionDestroyed(t *testing.T) {
	if !IsSessionDestroyed(errors.New("Session closed. Most likely the page has been closed")) {
		t.Error("session-closed not recognized")
	}
	if !IsSessionDestroyed(errors.New("whatsmeow: not logged in")) {
		t.Error("not-logged-in not recognized")
	}
	if IsSessionDestroyed(errors.New("navigation timeout")) {
		t.Error("transient error misclassified as destroyed")
	}
	if IsSessionDestroyed(nil) {
		t.Error("nil misclassified")
	}
}
