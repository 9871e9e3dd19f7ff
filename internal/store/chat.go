package store

import (
	"time"

	"github.com/wadash/wadash/internal/model"
)

// ReplaceChats swaps the full chat list for an account in one
// transaction. Used by the cache write-behind after a sync.
func (db *DB) ReplaceChats(accountID model.AccountID, chats []model.Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats WHERE account_id = ?`, accountID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i := range chats {
		c := &chats[i]
		var lastBody, lastSender, lastType string
		var lastFromMe bool
		var lastTS int64
		if c.LastMessage != nil {
			lastBody = c.LastMessage.Body
			lastSender = c.LastMessage.Sender
			lastType = c.LastMessage.Type
			lastFromMe = c.LastMessage.FromMe
			lastTS = c.LastMessage.Timestamp
		}
		if _, err := tx.Exec(`
			INSERT INTO chats (account_id, chat_id, name, phone, avatar_url, is_group, participants, unread,
				last_body, last_sender, last_type, last_from_me, last_timestamp, timestamp, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			accountID, c.ID, c.Name, c.Phone, c.AvatarURL, c.IsGroup, c.Participants, c.Unread,
			lastBody, lastSender, lastType, lastFromMe, lastTS, c.Timestamp, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListChats returns an account's chats sorted by activity descending.
func (db *DB) ListChats(accountID model.AccountID) ([]model.Chat, error) {
	rows, err := db.Query(`
		SELECT chat_id, name, phone, avatar_url, is_group, participants, unread,
			last_body, last_sender, last_type, last_from_me, last_timestamp, timestamp
		FROM chats
		WHERE account_id = ?
		ORDER BY timestamp DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var lastBody, lastSender, lastType string
		var lastFromMe bool
		var lastTS int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.AvatarURL, &c.IsGroup, &c.Participants, &c.Unread,
			&lastBody, &lastSender, &lastType, &lastFromMe, &lastTS, &c.Timestamp); err != nil {
			return nil, err
		}
		if lastTS != 0 || lastBody != "" {
			c.LastMessage = &model.MessageSummary{
				Body:      lastBody,
				Sender:    lastSender,
				Type:      lastType,
				FromMe:    lastFromMe,
				Timestamp: lastTS,
			}
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ClearChats removes all cached chats for an account.
func (db *DB) ClearChats(accountID model.AccountID) error {
	_, err := db.Exec(`DELETE FROM chats WHERE account_id = ?`, accountID)
	return err
}

// UpsertSyncStatus persists the sync status snapshot for an account.
func (db *DB) UpsertSyncStatus(s *model.SyncStatus) error {
	_, err := db.Exec(`
		INSERT INTO sync_status (account_id, status, progress, total, synced, current_item, message, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			total = excluded.total,
			synced = excluded.synced,
			current_item = excluded.current_item,
			message = excluded.message,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		s.AccountID, s.State, s.Progress, s.Total, s.Synced, s.Current, s.Message, s.Error, s.StartedAt, s.CompletedAt)
	return err
}
