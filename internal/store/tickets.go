// ABOUTME: Ticket persistence with an audit trail of field changes
// ABOUTME: Updates record one ticket_history row per changed field in the same transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const ticketColumns = `id, account_id, chat_id, subject, description, priority, status, source, created_at, updated_at`

func prepareTicket(t *Ticket) error {
	if t.AccountID == "" || t.ChatID == "" {
		return fmt.Errorf("%w: ticket needs account_id and chat_id", ErrInvalidInput)
	}
	if t.Subject == "" {
		return fmt.Errorf("%w: ticket needs a subject", ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidInput, t.Priority)
	}
	if t.Status == "" {
		t.Status = TicketOpen
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, t.Status)
	}
	if t.Source == "" {
		t.Source = SourceManual
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return nil
}

func insertTicket(ctx context.Context, tx *sql.Tx, t *Ticket) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.ChatID, t.Subject, t.Description,
		string(t.Priority), string(t.Status), t.Source,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// CreateTicket stores a new ticket, filling in id, defaults and timestamps.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *Ticket) error {
	if err := prepareTicket(t); err != nil {
		return err
	}
	_, err := write(ctx, s, "create_ticket", func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		return struct{}{}, insertTicket(ctx, tx, t)
	})
	return err
}

// OpenTicket creates t unless the chat already has an active ticket. It returns the
// ticket that is active afterwards and whether it was created by this call.
func (s *SQLiteStore) OpenTicket(ctx context.Context, t *Ticket) (*Ticket, bool, error) {
	if err := prepareTicket(t); err != nil {
		return nil, false, err
	}

	type result struct {
		ticket  *Ticket
		created bool
	}
	res, err := write(ctx, s, "open_ticket", func(ctx context.Context, tx *sql.Tx) (result, error) {
		existing, err := scanTicket(tx.QueryRowContext(ctx, activeTicketQuery, t.AccountID, t.ChatID))
		if err == nil {
			return result{ticket: existing}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return result{}, fmt.Errorf("looking up active ticket: %w", err)
		}
		if err := insertTicket(ctx, tx, t); err != nil {
			return result{}, err
		}
		return result{ticket: t, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.ticket, res.created, nil
}

// GetTicket retrieves a ticket by id.
// Returns ErrNotFound if the ticket doesn't exist.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return t, nil
}

const activeTicketQuery = `
	SELECT ` + ticketColumns + ` FROM tickets
	WHERE account_id = ? AND chat_id = ? AND status IN ('open', 'in_progress')
	ORDER BY created_at DESC
	LIMIT 1
`

// GetActiveTicket returns the newest open or in-progress ticket of a chat.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetActiveTicket(ctx context.Context, accountID, chatID string) (*Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, activeTicketQuery, accountID, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active ticket: %w", err)
	}
	return t, nil
}

// ListTickets returns tickets newest first, optionally filtered by status.
func (s *SQLiteStore) ListTickets(ctx context.Context, status TicketStatus) ([]*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	tickets := []*Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket row: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ticket rows: %w", err)
	}
	return tickets, nil
}

// SummarizeTickets counts the tickets created within the filter's period.
func (s *SQLiteStore) SummarizeTickets(ctx context.Context, f TicketSummaryFilter) (*TicketSummary, error) {
	query := `SELECT status, priority, COUNT(*) FROM tickets WHERE 1 = 1`
	var args []any
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(f.To))
	}
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	query += ` GROUP BY status, priority`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarizing tickets: %w", err)
	}
	defer rows.Close()

	summary := &TicketSummary{
		ByStatus: map[TicketStatus]int{
			TicketOpen: 0, TicketInProgress: 0, TicketResolved: 0, TicketClosed: 0,
		},
		ByPriority: map[TicketPriority]int{
			PriorityLow: 0, PriorityMedium: 0, PriorityHigh: 0, PriorityUrgent: 0,
		},
	}
	for rows.Next() {
		var (
			status, priority string
			n                int
		)
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return nil, fmt.Errorf("scanning ticket summary row: %w", err)
		}
		summary.Total += n
		summary.ByStatus[TicketStatus(status)] += n
		summary.ByPriority[TicketPriority(priority)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ticket summary rows: %w", err)
	}
	return summary, nil
}

// UpdateTicket applies a partial update and records each changed field in the
// ticket history. Returns the updated ticket, or ErrNotFound.
func (s *SQLiteStore) UpdateTicket(ctx context.Context, id string, upd TicketUpdate) (*Ticket, error) {
	if upd.Priority != nil && !upd.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidInput, *upd.Priority)
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *upd.Status)
	}

	return write(ctx, s, "update_ticket", func(ctx context.Context, tx *sql.Tx) (*Ticket, error) {
		t, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying ticket: %w", err)
		}

		now := time.Now().UTC()
		var changes []TicketChange
		track := func(field, oldValue, newValue string) {
			if oldValue != newValue {
				changes = append(changes, TicketChange{TicketID: id, Field: field, OldValue: oldValue, NewValue: newValue, ChangedAt: now})
			}
		}

		if upd.Subject != nil {
			track("subject", t.Subject, *upd.Subject)
			t.Subject = *upd.Subject
		}
		if upd.Description != nil {
			track("description", t.Description, *upd.Description)
			t.Description = *upd.Description
		}
		if upd.Priority != nil {
			track("priority", string(t.Priority), string(*upd.Priority))
			t.Priority = *upd.Priority
		}
		if upd.Status != nil {
			track("status", string(t.Status), string(*upd.Status))
			t.Status = *upd.Status
		}

		if len(changes) == 0 {
			return t, nil
		}
		t.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET subject = ?, description = ?, priority = ?, status = ?, updated_at = ?
			WHERE id = ?`,
			t.Subject, t.Description, string(t.Priority), string(t.Status), formatTime(t.UpdatedAt), id,
		); err != nil {
			return nil, fmt.Errorf("updating ticket: %w", err)
		}

		for _, c := range changes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ticket_history (ticket_id, field, old_value, new_value, changed_at)
				VALUES (?, ?, ?, ?, ?)`,
				c.TicketID, c.Field, c.OldValue, c.NewValue, formatTime(c.ChangedAt),
			); err != nil {
				return nil, fmt.Errorf("recording ticket history: %w", err)
			}
		}
		return t, nil
	})
}

// DeleteTicket removes a ticket and its history.
// Returns ErrNotFound if the ticket doesn't exist.
func (s *SQLiteStore) DeleteTicket(ctx context.Context, id string) error {
	_, err := write(ctx, s, "delete_ticket", func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id)
		if err != nil {
			return struct{}{}, fmt.Errorf("deleting ticket: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return struct{}{}, ErrNotFound
		}
		return struct{}{}, nil
	})
	return err
}

// TicketHistory returns the recorded changes of a ticket, oldest first.
func (s *SQLiteStore) TicketHistory(ctx context.Context, ticketID string) ([]*TicketChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, field, old_value, new_value, changed_at
		FROM ticket_history
		WHERE ticket_id = ?
		ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("querying ticket history: %w", err)
	}
	defer rows.Close()

	history := []*TicketChange{}
	for rows.Next() {
		var c TicketChange
		var changedAt string
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Field, &c.OldValue, &c.NewValue, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning ticket history row: %w", err)
		}
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		history = append(history, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ticket history rows: %w", err)
	}
	return history, nil
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var (
		t                    Ticket
		priority, status     string
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.ChatID, &t.Subject, &t.Description,
		&priority, &status, &t.Source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Priority = TicketPriority(priority)
	t.Status = TicketStatus(status)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}
