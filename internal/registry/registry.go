package registry

import (
	"sync"

	"github.com/wadash/wadash/internal/engine"
	"github.com/wadash/wadash/internal/model"
)

// Registry is the single source of truth for which accounts hold a
// live engine handle, which of those are ready, and which account is
// currently selected. It does no I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.AccountID]*entry
	current model.AccountID
}

type entry struct {
	handle engine.Client
	ready  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[model.AccountID]*entry)}
}

// Get returns the handle for an account, or nil if none exists.
func (r *Registry) Get(id model.AccountID) engine.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.handle
	}
	return nil
}

// Set stores a handle for an account, replacing any previous one. The
// new handle starts un-ready regardless of the old entry's state.
func (r *Registry) Set(id model.AccountID, handle engine.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{handle: handle}
}

// MarkReady flags an account's handle readiness. A handle can exist
// and not be ready (mid-handshake); marking a missing account is a
// no-op.
func (r *Registry) MarkReady(id model.AccountID, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.ready = ready
	}
}

// IsReady reports whether an account has a live, ready handle.
func (r *Registry) IsReady(id model.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.ready
}

// Remove drops an account's handle. If the removed account was
// current, the current pointer is cleared.
func (r *Registry) Remove(id model.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	if r.current == id {
		r.current = ""
	}
}

// DropHandle discards an account's handle and readiness but leaves the
// current pointer alone. Used between restart attempts, where the
// account stays selected while its half-started handle is rebuilt.
func (r *Registry) DropHandle(id model.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Current returns the currently selected account, or empty.
func (r *Registry) Current() model.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrent changes the selected account. Only explicit switch
// commands call this.
func (r *Registry) SetCurrent(id model.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = id
}

// Tracked returns the accounts holding a handle, ready or not.
func (r *Registry) Tracked() []model.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.AccountID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// ReadyAccounts returns the accounts whose handle is ready.
func (r *Registry) ReadyAccounts() []model.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []model.AccountID
	for id, e := range r.entries {
		if e.ready {
			ids = append(ids, id)
		}
	}
	return ids
}
