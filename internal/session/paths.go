package session

import (
	"os"
	"path/filepath"

	"github.com/wadash/wadash/internal/model"
)

// DefaultRoot returns ~/.wadash.
func DefaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wadash")
}

// Paths resolves the on-disk layout for accounts under one data root.
type Paths struct {
	Root string
}

// AccountDir returns the directory holding everything for one account.
func (p Paths) AccountDir(id model.AccountID) string {
	return filepath.Join(p.Root, "accounts", string(id))
}

// CredentialDir returns the engine credential store directory for an
// account. Its contents are opaque to us.
func (p Paths) CredentialDir(id model.AccountID) string {
	return filepath.Join(p.AccountDir(id), "credentials")
}

// CredentialDBPath returns the engine session database path.
func (p Paths) CredentialDBPath(id model.AccountID) string {
	return filepath.Join(p.CredentialDir(id), "session.db")
}

// LockPath returns the credential lock file path for an account.
func (p Paths) LockPath(id model.AccountID) string {
	return filepath.Join(p.CredentialDir(id), "LOCK")
}

// SnapshotPath returns the per-account chat snapshot JSON path, the
// last-resort cache tier.
func (p Paths) SnapshotPath(id model.AccountID) string {
	return filepath.Join(p.AccountDir(id), "chats.json")
}

// AccountsFilePath returns the accounts list file, the directory of
// record when the durable store is unavailable.
func (p Paths) AccountsFilePath() string {
	return filepath.Join(p.Root, "accounts.json")
}

// StoreDBPath returns the app-owned durable store path.
func (p Paths) StoreDBPath() string {
	return filepath.Join(p.Root, "wadash.db")
}

// LogPath returns the daemon log file path.
func (p Paths) LogPath() string {
	return filepath.Join(p.Root, "logs", "wadashd.log")
}

// ConfigPath returns the config file path.
func (p Paths) ConfigPath() string {
	return filepath.Join(p.Root, "config.toml")
}

// EnsureAccountDir creates the directory tree for an account.
func (p Paths) EnsureAccountDir(id model.AccountID) error {
	dirs := []string{
		p.AccountDir(id),
		p.CredentialDir(id),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAccountDir deletes an account's directory tree, credentials
// included.
func (p Paths) RemoveAccountDir(id model.AccountID) error {
	return os.RemoveAll(p.AccountDir(id))
}
