// ABOUTME: Message persistence with idempotent insert on the (account, chat, message) key
// ABOUTME: Provides dedup pre-check, status updates and per-conversation history reads

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// MessageExists reports whether a message with the given dedup key is stored.
func (s *SQLiteStore) MessageExists(ctx context.Context, accountID, chatID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE account_id = ? AND chat_id = ? AND message_id = ?`,
		accountID, chatID, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking message: %w", err)
	}
	return true, nil
}

// SaveMessage stores msg unless its dedup key is already present.
// It returns false with a nil error for a duplicate; on success msg.ID is set.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg.AccountID == "" || msg.ChatID == "" || msg.MessageID == "" {
		return false, fmt.Errorf("%w: message needs account_id, chat_id and message_id", ErrInvalidInput)
	}
	if msg.Direction != DirectionIncoming && msg.Direction != DirectionOutgoing {
		return false, fmt.Errorf("%w: direction %q", ErrInvalidInput, msg.Direction)
	}
	if msg.Status == "" {
		msg.Status = StatusReceived
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// Cheap read first; the unique constraint below is what actually decides.
	exists, err := s.MessageExists(ctx, msg.AccountID, msg.ChatID, msg.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	id, err := write(ctx, s, "save_message", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (account_id, chat_id, message_id, direction, text, status, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, chat_id, message_id) DO NOTHING`,
			msg.AccountID, msg.ChatID, msg.MessageID, string(msg.Direction),
			msg.Text, string(msg.Status), formatTime(msg.Timestamp),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("inserting message: %w", err)
		}
		if n == 0 {
			return 0, nil
		}
		return res.LastInsertId()
	})
	if err != nil {
		return false, err
	}
	if id == 0 {
		s.logger.Debug("duplicate message ignored", "account_id", msg.AccountID, "chat_id", msg.ChatID, "message_id", msg.MessageID)
		return false, nil
	}

	msg.ID = id
	return true, nil
}

// UpdateMessageStatus changes the status of a stored message.
// Returns ErrNotFound if no message has the given key.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, accountID, chatID, messageID string, status MessageStatus) error {
	switch status {
	case StatusReceived, StatusSent, StatusFailed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}

	_, err := write(ctx, s, "update_message_status", func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE account_id = ? AND chat_id = ? AND message_id = ?`,
			string(status), accountID, chatID, messageID,
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("updating message status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return struct{}{}, ErrNotFound
		}
		return struct{}{}, nil
	})
	return err
}

// ListMessages returns messages of a conversation, limited to the most recent `limit`
// messages and returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	query := `
		SELECT m.id, m.account_id, m.chat_id, m.message_id, m.direction, m.text, m.status, m.timestamp
		FROM messages m
		JOIN conversations c ON c.account_id = m.account_id AND c.chat_id = m.chat_id
		WHERE c.id = ?
		ORDER BY m.timestamp DESC, m.id DESC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var (
			msg       Message
			direction string
			status    string
			ts        string
		)
		if err := rows.Scan(&msg.ID, &msg.AccountID, &msg.ChatID, &msg.MessageID, &direction, &msg.Text, &status, &ts); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Direction = Direction(direction)
		msg.Status = MessageStatus(status)
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}
