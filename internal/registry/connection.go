// ABOUTME: Contracts between the client registry and a chat network transport
// ABOUTME: Defines account credentials, the canonical inbound event and the Connector/Connection interfaces

package registry

import (
	"context"
	"time"
)

// Credentials identify one external account. For Matrix, Homeserver and UserID
// locate the account and AccessToken is its session token.
type Credentials struct {
	AccountID   string
	Homeserver  string
	UserID      string
	AccessToken string
}

// CustomerProfile is what the network tells us about the sender.
type CustomerProfile struct {
	UserID    string `json:"user_id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// InboundEvent is a network message normalized for the pipeline.
type InboundEvent struct {
	AccountID  string          `json:"account_id"`
	ChatID     string          `json:"chat_id"`
	MessageID  string          `json:"message_id"`
	Text       string          `json:"text"`
	Timestamp  time.Time       `json:"timestamp"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Customer   CustomerProfile `json:"customer_data"`
}

// DeliverFunc receives inbound events. A Connection calls it from a single
// goroutine, one event at a time, so per-account order is the call order.
type DeliverFunc func(InboundEvent)

// Connector establishes connections. ctx bounds only the handshake; the
// returned Connection lives until Close.
type Connector interface {
	Connect(ctx context.Context, creds Credentials, deliver DeliverFunc) (Connection, error)
}

// Connection is one live session with the chat network.
type Connection interface {
	// ResolvePeer maps a chat id to whatever the network needs to address it.
	ResolvePeer(ctx context.Context, chatID string) (string, error)
	// RefreshPeers reloads the connection's view of reachable chats.
	RefreshPeers(ctx context.Context) error
	// Send delivers text and returns the network's id for the new message.
	Send(ctx context.Context, peer, text string) (string, error)
	Close() error
}
