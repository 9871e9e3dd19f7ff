package store

import (
	"database/sql"
	"time"

	"github.com/wadash/wadash/internal/model"
)

// UpsertAccount inserts or updates an account record.
func (db *DB) UpsertAccount(a *model.Account) error {
	_, err := db.Exec(`
		INSERT INTO accounts (id, name, phone, is_active, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			is_active = excluded.is_active,
			owner_id = excluded.owner_id`,
		a.ID, a.Name, a.Phone, a.IsActive, a.OwnerID, a.CreatedAt)
	return err
}

// ListAccounts returns all accounts, oldest first. When ownerID is
// non-empty, legacy accounts without an owner are included alongside
// the owner's accounts.
func (db *DB) ListAccounts(ownerID string) ([]model.Account, error) {
	query := `SELECT id, name, phone, is_active, owner_id, created_at FROM accounts`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ? OR owner_id IS NULL`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.IsActive, &a.OwnerID, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount returns an account by id, or nil when absent.
func (db *DB) GetAccount(id model.AccountID) (*model.Account, error) {
	var a model.Account
	err := db.QueryRow(`
		SELECT id, name, phone, is_active, owner_id, created_at
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Phone, &a.IsActive, &a.OwnerID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAccount removes an account. Sessions, chats, and sync status
// cascade via foreign keys.
func (db *DB) DeleteAccount(id model.AccountID) error {
	_, err := db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// SetActiveAccount flips the active flag so that exactly the given
// account is active.
func (db *DB) SetActiveAccount(id model.AccountID) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE accounts SET is_active = 0 WHERE is_active = 1`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE accounts SET is_active = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertSession inserts or updates a session record.
func (db *DB) UpsertSession(s *model.Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (account_id, authenticated, ready, last_connected_at, last_disconnected_at, disconnect_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			authenticated = excluded.authenticated,
			ready = excluded.ready,
			last_connected_at = excluded.last_connected_at,
			last_disconnected_at = excluded.last_disconnected_at,
			disconnect_reason = excluded.disconnect_reason`,
		s.AccountID, s.Authenticated, s.Ready, s.LastConnectedAt, s.LastDisconnectedAt, s.DisconnectReason)
	return err
}

// GetSession returns the session record for an account, or nil.
func (db *DB) GetSession(id model.AccountID) (*model.Session, error) {
	var s model.Session
	err := db.QueryRow(`
		SELECT account_id, authenticated, ready, last_connected_at, last_disconnected_at, disconnect_reason
		FROM sessions WHERE account_id = ?`, id).
		Scan(&s.AccountID, &s.Authenticated, &s.Ready, &s.LastConnectedAt, &s.LastDisconnectedAt, &s.DisconnectReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendEvent records an entry in the event log.
func (db *DB) AppendEvent(accountID model.AccountID, kind, payload string) error {
	_, err := db.Exec(`
		INSERT INTO event_log (account_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		accountID, kind, payload, time.Now().UnixMilli())
	return err
}
