// Package accounts is the account directory: durable CRUD over the
// SQLite store with a JSON file fallback, a lazily created default
// account, and the single-active invariant.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bus"
	"github.com/wadash/wadash/internal/model"
	"github.com/wadash/wadash/internal/session"
	"github.com/wadash/wadash/internal/status"
	"github.com/wadash/wadash/internal/store"
)

// ErrNotFound reports an unknown account id.
var ErrNotFound = errors.New("account not found")

// DefaultAccountName is used for the lazily created first account.
const DefaultAccountName = "Personal"

// Directory manages the account list. The SQLite store is the primary
// tier; accounts.json is kept in lockstep and serves as the directory
// of record when the store is unavailable.
type Directory struct {
	db      *store.DB // optional
	paths   session.Paths
	tracker *status.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	mu sync.Mutex
}

func New(db *store.DB, paths session.Paths, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{db: db, paths: paths, tracker: tracker, bus: b, logger: logger}
}

// List returns accounts visible to ownerID ("" means all). An empty
// directory gets a default active account created on first read.
func (d *Directory) List(ownerID string) ([]model.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	accounts, err := d.loadLocked(ownerID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 && ownerID == "" {
		acc, err := d.addLocked(DefaultAccountName, "", true)
		if err != nil {
			return nil, fmt.Errorf("create default account: %w", err)
		}
		d.logger.Info("created default account", zap.String("account", string(acc.ID)))
		return []model.Account{*acc}, nil
	}
	return accounts, nil
}

// Get returns one account or ErrNotFound.
func (d *Directory) Get(id model.AccountID) (*model.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(id)
}

// Active returns the active account, or nil when none is marked.
func (d *Directory) Active() (*model.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	accounts, err := d.loadLocked("")
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].IsActive {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

// Add creates a new account with a generated id. The first account
// ever added becomes active.
func (d *Directory) Add(name, ownerID string) (*model.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name == "" {
		return nil, errors.New("account name must not be empty")
	}
	existing, err := d.loadLocked("")
	if err != nil {
		return nil, err
	}
	acc, err := d.addLocked(name, ownerID, len(existing) == 0)
	if err != nil {
		return nil, err
	}
	d.publishChangedLocked()
	return acc, nil
}

// SetActive marks one account active and all others inactive.
func (d *Directory) SetActive(id model.AccountID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.getLocked(id); err != nil {
		return err
	}
	if err := d.setActiveLocked(id); err != nil {
		return err
	}
	d.publishChangedLocked()
	return nil
}

// SetPhone records the authenticated phone number for an account.
func (d *Directory) SetPhone(id model.AccountID, phone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, err := d.getLocked(id)
	if err != nil {
		return err
	}
	acc.Phone = &phone
	if d.db != nil {
		if err := d.db.UpsertAccount(acc); err != nil {
			d.logger.Warn("store phone update failed", zap.Error(err))
		}
	}
	return d.mutateFileLocked(func(all []model.Account) []model.Account {
		for i := range all {
			if all[i].ID == id {
				all[i].Phone = &phone
			}
		}
		return all
	})
}

// Delete removes the account and everything keyed to it: store rows
// (cascading to chats and sessions), sync status, and the on-disk
// account directory including credentials.
func (d *Directory) Delete(id model.AccountID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, err := d.getLocked(id)
	if err != nil {
		return err
	}

	if d.db != nil {
		if err := d.db.DeleteAccount(id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
	}
	if d.tracker != nil {
		d.tracker.Drop(id)
	}
	if err := d.paths.RemoveAccountDir(id); err != nil {
		d.logger.Warn("remove account dir failed",
			zap.String("account", string(id)),
			zap.Error(err),
		)
	}
	err = d.mutateFileLocked(func(all []model.Account) []model.Account {
		out := all[:0]
		for _, a := range all {
			if a.ID != id {
				out = append(out, a)
			}
		}
		return out
	})
	if err != nil {
		return err
	}

	d.logger.Info("deleted account",
		zap.String("account", string(id)),
		zap.String("name", acc.Name),
	)
	d.publishChangedLocked()
	return nil
}

func (d *Directory) getLocked(id model.AccountID) (*model.Account, error) {
	accounts, err := d.loadLocked("")
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].ID == id {
			return &accounts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (d *Directory) addLocked(name, ownerID string, active bool) (*model.Account, error) {
	acc := &model.Account{
		ID:        model.AccountID(uuid.NewString()),
		Name:      name,
		IsActive:  active,
		CreatedAt: time.Now().UnixMilli(),
	}
	if ownerID != "" {
		acc.OwnerID = &ownerID
	}
	if err := session.ValidateID(acc.ID); err != nil {
		return nil, err
	}
	if err := d.paths.EnsureAccountDir(acc.ID); err != nil {
		return nil, fmt.Errorf("account dir: %w", err)
	}
	if d.db != nil {
		if err := d.db.UpsertAccount(acc); err != nil {
			return nil, fmt.Errorf("store account: %w", err)
		}
		if active {
			if err := d.db.SetActiveAccount(acc.ID); err != nil {
				return nil, fmt.Errorf("set active: %w", err)
			}
		}
	}
	err := d.mutateFileLocked(func(all []model.Account) []model.Account {
		if active {
			for i := range all {
				all[i].IsActive = false
			}
		}
		return append(all, *acc)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (d *Directory) setActiveLocked(id model.AccountID) error {
	if d.db != nil {
		if err := d.db.SetActiveAccount(id); err != nil {
			return fmt.Errorf("set active: %w", err)
		}
	}
	return d.mutateFileLocked(func(all []model.Account) []model.Account {
		for i := range all {
			all[i].IsActive = all[i].ID == id
		}
		return all
	})
}

func (d *Directory) publishChangedLocked() {
	accounts, err := d.loadLocked("")
	if err != nil {
		d.logger.Warn("reload after change failed", zap.Error(err))
		return
	}
	d.bus.Publish(bus.NewEvent(bus.KindAccountsChanged, accounts))
}

// loadLocked prefers the store; the JSON file serves reads when the
// store is absent or failing.
func (d *Directory) loadLocked(ownerID string) ([]model.Account, error) {
	if d.db != nil {
		accounts, err := d.db.ListAccounts(ownerID)
		if err == nil {
			return accounts, nil
		}
		d.logger.Warn("store list failed, reading accounts file", zap.Error(err))
	}
	return d.readFileLocked(ownerID)
}

type accountsFile struct {
	SavedAt  int64           `json:"savedAt"`
	Accounts []model.Account `json:"accounts"`
}

func (d *Directory) readFileLocked(ownerID string) ([]model.Account, error) {
	raw, err := os.ReadFile(d.paths.AccountsFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f accountsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if ownerID == "" {
		return f.Accounts, nil
	}
	var out []model.Account
	for _, a := range f.Accounts {
		if a.OwnerID == nil || *a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

// mutateFileLocked applies fn to the file contents and rewrites the
// snapshot with a temp file rename.
func (d *Directory) mutateFileLocked(fn func([]model.Account) []model.Account) error {
	accounts, err := d.readFileLocked("")
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(accountsFile{
		SavedAt:  time.Now().UnixMilli(),
		Accounts: fn(accounts),
	}, "", "  ")
	if err != nil {
		return err
	}
	path := d.paths.AccountsFilePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
