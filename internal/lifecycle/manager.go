package lifecycle

import (
	"context"
	"fmt"
	"sync"
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

// StatusChange is published on the bus whenever an account's readiness
// flips.
type StatusChange struct {
	AccountID model.AccountID
	Ready     bool
	Reason    string
}

// PhoneDirectory records the phone number an engine reports once it
// authenticates.
type PhoneDirectory interface {
	SetPhone(id model.AccountID, phone string) error
}

// Manager owns the expensive engine clients and the OS resources they
// hold. The deployment can run only one live engine at a time, so
// every initialization goes through EnsureExclusiveSession first.
type Manager struct {
	reg     *registry.Registry
	factory engine.Factory
	paths   session.Paths
	bus     *bus.Bus
	db      *store.DB // optional
	wb      *writeback.Queue
	phones  PhoneDirectory // optional
	logger  *zap.Logger

	// mu serializes create/initialize/destroy so two switches can
	// never interleave and violate the single-engine constraint.
	mu sync.Mutex

	cancel context.CancelFunc

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewManager creates a lifecycle manager. db may be nil.
func NewManager(reg *registry.Registry, factory engine.Factory, paths session.Paths, b *bus.Bus, db *store.DB, wb *writeback.Queue, logger *zap.Logger) *Manager {
	return &Manager{
		reg:     reg,
		factory: factory,
		paths:   paths,
		bus:     b,
		db:      db,
		wb:      wb,
		logger:  logger,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
}

// SetPhoneDirectory wires the destination for phone numbers learned at
// authentication. Must be called before Start.
func (m *Manager) SetPhoneDirectory(d PhoneDirectory) {
	m.phones = d
}

// Start subscribes to engine lifecycle events to keep the registry and
// session records current.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("engine.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEngineEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event subscription. Live handles are left to the
// daemon shutdown hook, which calls StopAll.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) handleEngineEvent(evt bus.Event) {
	payload, ok := evt.Payload.(engine.Event)
	if !ok {
		return
	}
	id := payload.AccountID

	switch evt.Kind {
	case bus.KindEngineAuth:
		m.recordPhone(id)
		m.appendEvent(id, evt.Kind, "")
	case bus.KindEngineReady:
		m.reg.MarkReady(id, true)
		m.persistSession(id, true, true, "")
		m.appendEvent(id, evt.Kind, "")
		m.bus.Publish(bus.NewEvent(bus.KindSessionStatus, StatusChange{AccountID: id, Ready: true}))
	case bus.KindEngineDisconnected:
		m.reg.MarkReady(id, false)
		m.persistSession(id, true, false, payload.Reason)
		m.appendEvent(id, evt.Kind, payload.Reason)
		m.bus.Publish(bus.NewEvent(bus.KindSessionStatus, StatusChange{AccountID: id, Ready: false, Reason: payload.Reason}))
	}
}

// recordPhone copies the authenticated engine's phone number into the
// account directory.
func (m *Manager) recordPhone(id model.AccountID) {
	if m.phones == nil {
		return
	}
	handle := m.reg.Get(id)
	if handle == nil {
		return
	}
	phone := handle.PhoneNumber()
	if phone == "" {
		return
	}
	if err := m.phones.SetPhone(id, phone); err != nil {
		m.logger.Warn("phone update failed",
			zap.String("account", string(id)),
			zap.Error(err),
		)
	}
}

// appendEvent records a lifecycle transition in the durable event log,
// write-behind.
func (m *Manager) appendEvent(id model.AccountID, kind, payload string) {
	if m.db == nil {
		return
	}
	m.wb.Enqueue(writeback.Job{
		Name: "event log " + kind,
		Run: func(context.Context) error {
			return m.db.AppendEvent(id, kind, payload)
		},
	})
}

func (m *Manager) persistSession(id model.AccountID, authenticated, ready bool, reason string) {
	if m.db == nil {
		return
	}
	now := time.Now().UnixMilli()
	rec := &model.Session{
		AccountID:     id,
		Authenticated: authenticated,
		Ready:         ready,
	}
	if ready {
		rec.LastConnectedAt = now
	} else {
		rec.LastDisconnectedAt = now
		rec.DisconnectReason = reason
	}
	m.wb.Enqueue(writeback.Job{
		Name: "session record " + string(id),
		Run: func(context.Context) error {
			return m.db.UpsertSession(rec)
		},
	})
}

// CreateClient constructs a new unstarted client for an account and
// registers the handle.
func (m *Manager) CreateClient(ctx context.Context, id model.AccountID) (engine.Client, error) {
	client, err := m.factory(ctx, id)
	if err != nil {
		return nil, err
	}
	m.reg.Set(id, client)
	return client, nil
}

// initState is the per-attempt state of the initialization machine.
type initState int

const (
	stateAttempting initState = iota
	stateBackoff
	stateSucceeded
	stateFailed
)

// Initialize starts an account's client, retrying classified failures
// a bounded number of times. Failure is never fatal to the process:
// the account is simply left un-ready for the user to retry.
func (m *Manager) Initialize(ctx context.Context, id model.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, id)
}

func (m *Manager) initializeLocked(ctx context.Context, id model.AccountID) error {
	// Defensive: the single-engine constraint must hold even if a
	// caller forgot EnsureExclusiveSession.
	if err := m.ensureExclusiveLocked(ctx, id); err != nil {
		return err
	}

	var lastErr error
	attempt := 0
	state := stateAttempting

	for {
		switch state {
		case stateAttempting:
			client := m.reg.Get(id)
			if client == nil {
				var err error
				client, err = m.CreateClient(ctx, id)
				if err != nil {
					lastErr = err
					state = m.classifyLocked(ctx, id, err, &attempt)
					continue
				}
			}
			if err := client.Start(ctx); err != nil {
				lastErr = err
				// A half-started client cannot be restarted; drop the
				// handle so the next attempt builds a fresh one. The
				// current pointer stays: a mid-switch failure must not
				// unselect the account.
				_ = client.Stop(ctx)
				m.reg.DropHandle(id)
				state = m.classifyLocked(ctx, id, err, &attempt)
				continue
			}
			state = stateSucceeded

		case stateBackoff:
			pol := Classify(lastErr)
			delay := pol.Backoff
			if pol.Kind == KindTransient {
				delay = pol.Backoff * time.Duration(attempt)
			}
			m.logger.Warn("initialization retry",
				zap.String("account", string(id)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			m.sleep(ctx, delay)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			state = stateAttempting

		case stateSucceeded:
			m.logger.Info("engine initialized", zap.String("account", string(id)))
			return nil

		case stateFailed:
			m.logger.Error("initialization gave up",
				zap.String("account", string(id)),
				zap.Int("attempts", attempt+1),
				zap.Error(lastErr),
			)
			return fmt.Errorf("initialize account %s: %w", id, lastErr)
		}
	}
}

// classifyLocked decides the next state after a failed attempt, running
// orphan cleanup for contention errors.
func (m *Manager) classifyLocked(ctx context.Context, id model.AccountID, err error, attempt *int) initState {
	pol := Classify(err)
	if pol.Kind == KindFatal || *attempt >= pol.MaxRetries {
		return stateFailed
	}
	*attempt++
	if pol.Kind == KindContention {
		cleanupOrphans(m.paths.CredentialDir(id), m.logger)
	}
	return stateBackoff
}

// Destroy gracefully stops an account's client. On failure it falls
// back to force-killing processes bound to the credential directory
// and removing lock files.
func (m *Manager) Destroy(ctx context.Context, id model.AccountID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyLocked(ctx, id)
}

func (m *Manager) destroyLocked(ctx context.Context, id model.AccountID) {
	client := m.reg.Get(id)
	if client == nil {
		return
	}
	wasReady := m.reg.IsReady(id)
	if err := client.Stop(ctx); err != nil {
		m.logger.Warn("graceful stop failed, forcing cleanup",
			zap.String("account", string(id)),
			zap.Error(err),
		)
		cleanupOrphans(m.paths.CredentialDir(id), m.logger)
	}
	m.reg.Remove(id)
	if wasReady {
		m.persistSession(id, true, false, "destroyed")
		m.bus.Publish(bus.NewEvent(bus.KindSessionStatus, StatusChange{AccountID: id, Ready: false, Reason: "destroyed"}))
	}
}

// StopAll destroys every tracked handle; used before global session
// resets.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.reg.Tracked() {
		m.destroyLocked(ctx, id)
	}
}

// EnsureExclusiveSession enforces the hard capacity constraint: at
// most one live engine. Every handle except the target's is destroyed.
func (m *Manager) EnsureExclusiveSession(ctx context.Context, id model.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureExclusiveLocked(ctx, id)
}

func (m *Manager) ensureExclusiveLocked(ctx context.Context, id model.AccountID) error {
	for _, other := range m.reg.Tracked() {
		if other != id {
			m.destroyLocked(ctx, other)
		}
	}
	return nil
}

// SwitchTo makes the given account current and initializes its engine.
// Switching to the already-current, already-ready account is a no-op
// that re-emits the current state.
func (m *Manager) SwitchTo(ctx context.Context, id model.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reg.Current() == id && m.reg.IsReady(id) {
		m.bus.Publish(bus.NewEvent(bus.KindSessionStatus, StatusChange{AccountID: id, Ready: true}))
		m.bus.Publish(bus.NewEvent(bus.KindAccountSwitched, id))
		return nil
	}

	m.reg.SetCurrent(id)
	m.bus.Publish(bus.NewEvent(bus.KindAccountSwitched, id))

	if err := m.initializeLocked(ctx, id); err != nil {
		return err
	}
	return nil
}
