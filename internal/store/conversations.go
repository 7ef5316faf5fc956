// ABOUTME: Conversation persistence: partial-field upsert, listing, lookup and cascade delete
// ABOUTME: Mutations go through the write queue; reads query the database directly

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `
	id, account_id, chat_id, chat_name, last_message_at, created_at,
	customer_first_name, customer_last_name, customer_username, customer_phone, customer_user_id
`

// UpsertConversation creates the conversation for (AccountID, ChatID) or bumps its
// last_message_at. Only non-empty fields in u overwrite stored values. Returns the
// conversation id.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, u *ConversationUpsert) (int64, error) {
	if u.AccountID == "" || u.ChatID == "" {
		return 0, fmt.Errorf("%w: conversation needs account_id and chat_id", ErrInvalidInput)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := formatTime(at)

	// The lookup runs inside the writer's transaction, so two first messages for the
	// same chat cannot both take the insert branch.
	return write(ctx, s, "upsert_conversation", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE account_id = ? AND chat_id = ?`,
			u.AccountID, u.ChatID,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (
					account_id, chat_id, chat_name, last_message_at, created_at,
					customer_first_name, customer_last_name, customer_username, customer_phone, customer_user_id
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.AccountID, u.ChatID, nullString(u.ChatName), ts, formatTime(time.Now()),
				nullString(u.Customer.FirstName), nullString(u.Customer.LastName),
				nullString(u.Customer.Username), nullString(u.Customer.Phone), nullString(u.Customer.UserID),
			)
			if err != nil {
				return 0, fmt.Errorf("inserting conversation: %w", err)
			}
			return res.LastInsertId()

		case err != nil:
			return 0, fmt.Errorf("looking up conversation: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET
				last_message_at     = MAX(last_message_at, ?),
				chat_name           = COALESCE(?, chat_name),
				customer_first_name = COALESCE(?, customer_first_name),
				customer_last_name  = COALESCE(?, customer_last_name),
				customer_username   = COALESCE(?, customer_username),
				customer_phone      = COALESCE(?, customer_phone),
				customer_user_id    = COALESCE(?, customer_user_id)
			WHERE id = ?`,
			ts, nullString(u.ChatName),
			nullString(u.Customer.FirstName), nullString(u.Customer.LastName),
			nullString(u.Customer.Username), nullString(u.Customer.Phone), nullString(u.Customer.UserID),
			id,
		)
		if err != nil {
			return 0, fmt.Errorf("updating conversation: %w", err)
		}
		return id, nil
	})
}

// GetConversation retrieves a conversation by id.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByChat retrieves a conversation by its (account, chat) pair.
func (s *SQLiteStore) GetConversationByChat(ctx context.Context, accountID, chatID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE account_id = ? AND chat_id = ?`,
		accountID, chatID,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns every conversation, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY last_message_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// DeleteConversation removes a conversation and every message sharing its
// (account, chat) pair in one transaction. Returns false if id is unknown.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) (bool, error) {
	return write(ctx, s, "delete_conversation", func(ctx context.Context, tx *sql.Tx) (bool, error) {
		var accountID, chatID string
		err := tx.QueryRowContext(ctx,
			`SELECT account_id, chat_id FROM conversations WHERE id = ?`, id,
		).Scan(&accountID, &chatID)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("looking up conversation: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE account_id = ? AND chat_id = ?`, accountID, chatID,
		); err != nil {
			return false, fmt.Errorf("deleting messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("deleting conversation: %w", err)
		}
		return true, nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                     Conversation
		chatName                 sql.NullString
		first, last, user, phone sql.NullString
		userID                   sql.NullString
		lastMessageAt, createdAt string
	)
	if err := row.Scan(
		&conv.ID, &conv.AccountID, &conv.ChatID, &chatName, &lastMessageAt, &createdAt,
		&first, &last, &user, &phone, &userID,
	); err != nil {
		return nil, err
	}

	var err error
	if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.ChatName = fromNull(chatName)
	conv.Customer = Customer{
		FirstName: fromNull(first),
		LastName:  fromNull(last),
		Username:  fromNull(user),
		Phone:     fromNull(phone),
		UserID:    fromNull(userID),
	}
	return &conv, nil
}
