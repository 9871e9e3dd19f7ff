package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/model"
)

// validTransitions defines allowed sync state transitions. Exactly one
// sync may be syncing per account; completed and failed runs must be
// reset back to idle before a new run starts.
var validTransitions = map[model.SyncState][]model.SyncState{
	model.SyncIdle:      {model.SyncSyncing},
	model.SyncSyncing:   {model.SyncCompleted, model.SyncFailed},
	model.SyncCompleted: {model.SyncIdle},
	model.SyncFailed:    {model.SyncIdle},
}

// Tracker owns the per-account SyncStatus records and enforces their
// transitions. Every change is published on the bus.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[model.AccountID]*model.SyncStatus
	bus      *bus.Bus
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		statuses: make(map[model.AccountID]*model.SyncStatus),
		bus:      b,
	}
}

// Get returns a copy of the account's status. Unknown accounts are
// idle.
func (t *Tracker) Get(id model.AccountID) model.SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.statuses[id]; ok {
		return *s
	}
	return model.SyncStatus{AccountID: id, State: model.SyncIdle}
}

// Begin transitions an account to syncing. Returns an error if a sync
// is already running for it; completed/failed leftovers are reset
// first.
func (t *Tracker) Begin(id model.AccountID, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.statuses[id]
	if s == nil {
		s = &model.SyncStatus{AccountID: id, State: model.SyncIdle}
		t.statuses[id] = s
	}
	if s.State == model.SyncCompleted || s.State == model.SyncFailed {
		s.State = model.SyncIdle
	}
	if err := t.transitionLocked(s, model.SyncSyncing); err != nil {
		return err
	}
	s.Progress = 1
	s.Total = 0
	s.Synced = 0
	s.Current = ""
	s.Message = message
	s.Error = ""
	s.StartedAt = time.Now().UnixMilli()
	s.CompletedAt = 0
	t.publishLocked(s)
	return nil
}

// Update advances the progress of a running sync. Progress never moves
// backwards within one run.
func (t *Tracker) Update(id model.AccountID, progress, total, synced int, current, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statuses[id]
	if s == nil || s.State != model.SyncSyncing {
		return
	}
	if progress > s.Progress {
		s.Progress = min(progress, 100)
	}
	s.Total = total
	s.Synced = synced
	s.Current = current
	s.Message = message
	t.publishLocked(s)
}

// Complete marks a running sync as completed with progress 100.
func (t *Tracker) Complete(id model.AccountID, total, synced int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statuses[id]
	if s == nil {
		return fmt.Errorf("no sync status for account %s", id)
	}
	if err := t.transitionLocked(s, model.SyncCompleted); err != nil {
		return err
	}
	s.Progress = 100
	s.Total = total
	s.Synced = synced
	s.Current = ""
	s.Message = message
	s.CompletedAt = time.Now().UnixMilli()
	t.publishLocked(s)
	return nil
}

// Fail marks a running sync as failed and resets progress to 0.
func (t *Tracker) Fail(id model.AccountID, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statuses[id]
	if s == nil {
		return fmt.Errorf("no sync status for account %s", id)
	}
	if err := t.transitionLocked(s, model.SyncFailed); err != nil {
		return err
	}
	s.Progress = 0
	s.Error = errMsg
	s.Message = "sync failed"
	s.CompletedAt = time.Now().UnixMilli()
	t.publishLocked(s)
	return nil
}

// Reset returns a finished (or failed) sync to idle. Idle accounts are
// untouched.
func (t *Tracker) Reset(id model.AccountID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.statuses[id]
	if s == nil || s.State == model.SyncIdle {
		return
	}
	if err := t.transitionLocked(s, model.SyncIdle); err != nil {
		return
	}
	s.Progress = 0
	s.Error = ""
	s.Message = ""
	t.publishLocked(s)
}

// Drop removes an account's status entirely (account deletion).
func (t *Tracker) Drop(id model.AccountID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, id)
}

func (t *Tracker) transitionLocked(s *model.SyncStatus, to model.SyncState) error {
	allowed := validTransitions[s.State]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid sync transition from %s to %s", s.State, to)
	}
	s.State = to
	return nil
}

func (t *Tracker) publishLocked(s *model.SyncStatus) {
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(bus.KindSyncProgress, *s))
	}
}
