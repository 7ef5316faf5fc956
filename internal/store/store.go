// ABOUTME: Data types and sentinel errors for relay-gateway persistence
// ABOUTME: Defines Conversation, Message and Ticket records shared by the store and its callers

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned for writes submitted after the store began draining.
var ErrClosed = errors.New("store is closed")

// ErrInvalidInput is returned when a record fails validation before it is queued.
var ErrInvalidInput = errors.New("invalid input")

// Direction tells whether a message came from the external network or was sent to it.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageStatus is the delivery state of a stored message.
type MessageStatus string

const (
	StatusReceived MessageStatus = "received"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
)

// Customer holds the optional profile of the external party in a conversation.
// Empty fields mean "unknown" and never overwrite a stored value.
type Customer struct {
	FirstName string `json:"customer_first_name,omitempty"`
	LastName  string `json:"customer_last_name,omitempty"`
	Username  string `json:"customer_username,omitempty"`
	Phone     string `json:"customer_phone,omitempty"`
	UserID    string `json:"customer_user_id,omitempty"`
}

// Conversation is one chat thread within one account, unique on (AccountID, ChatID).
type Conversation struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"account_id"`
	ChatID        string    `json:"chat_id"`
	ChatName      string    `json:"chat_name,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	Customer
}

// ConversationUpsert carries the fields applied when a message touches a conversation.
// Only non-empty fields are written.
type ConversationUpsert struct {
	AccountID string
	ChatID    string
	ChatName  string
	Customer  Customer
	At        time.Time
}

// Message is a single stored message. (AccountID, ChatID, MessageID) is the dedup key.
type Message struct {
	ID        int64         `json:"id"`
	AccountID string        `json:"account_id"`
	ChatID    string        `json:"chat_id"`
	MessageID string        `json:"message_id"`
	Direction Direction     `json:"direction"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// TicketPriority values accepted for tickets.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TicketStatus values. Open and in-progress tickets count as active.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketClosed:
		return true
	}
	return false
}

// Ticket sources.
const (
	SourceUserCommand = "user_command"
	SourceManual      = "manual"
)

// Ticket is a support request raised from a conversation.
type Ticket struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	ChatID      string         `json:"chat_id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Priority    TicketPriority `json:"priority"`
	Status      TicketStatus   `json:"status"`
	Source      string         `json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ShortID is the first segment of the ticket id, used in chat replies.
func (t *Ticket) ShortID() string {
	if len(t.ID) >= 8 {
		return t.ID[:8]
	}
	return t.ID
}

// TicketUpdate is a partial update; nil fields are left unchanged.
type TicketUpdate struct {
	Subject     *string         `json:"subject,omitempty"`
	Description *string         `json:"description,omitempty"`
	Priority    *TicketPriority `json:"priority,omitempty"`
	Status      *TicketStatus   `json:"status,omitempty"`
}

// TicketSummaryFilter narrows a ticket summary. Zero times leave that bound open.
type TicketSummaryFilter struct {
	From      time.Time
	To        time.Time
	AccountID string
}

// TicketSummary counts tickets by status and priority. Every known status and
// priority is present, with zero when no ticket matches.
type TicketSummary struct {
	Total      int                    `json:"total"`
	ByStatus   map[TicketStatus]int   `json:"by_status"`
	ByPriority map[TicketPriority]int `json:"by_priority"`
}

// TicketChange is one audit row written when a ticket field changes.
type TicketChange struct {
	ID        int64     `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedAt time.Time `json:"changed_at"`
}
