// ABOUTME: Message pipeline tying the store, the client registry and the viewer hub together
// ABOUTME: Runs the inbound dedup/persist/upsert/broadcast/hook stages and the outbound reply path

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

// ErrSendFailed is returned by Reply and SendToChat when the network rejected
// the message. The message is still stored with status failed.
var ErrSendFailed = errors.New("send failed")

const (
	// failedIDPrefix marks message ids synthesized for sends that never got a network id.
	failedIDPrefix = "failed_"
	// localIDPrefix marks ids synthesized for delivered sends the network did not number.
	localIDPrefix = "local_"
)

// Store is the persistence the pipeline needs.
type Store interface {
	SaveMessage(ctx context.Context, msg *store.Message) (bool, error)
	UpsertConversation(ctx context.Context, u *store.ConversationUpsert) (int64, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
}

// Sender delivers outbound text to the network.
type Sender interface {
	SendMessage(ctx context.Context, accountID, chatID, text string) (string, error)
}

// Broadcaster fans events out to viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, evt hub.Event) int
}

// InboundPayload is the data of a message_received event.
type InboundPayload struct {
	ID             int64 `json:"id"`
	ConversationID int64 `json:"conversation_id,omitempty"`
	registry.InboundEvent
}

// OutboundPayload is the data of a message_sent event.
type OutboundPayload struct {
	ConversationID int64 `json:"conversation_id,omitempty"`
	*store.Message
}

// Options configures a Service.
type Options struct {
	// Dedupe short-circuits redeliveries before they reach the store. Optional.
	Dedupe  *dedupe.Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service is the message pipeline.
type Service struct {
	store       Store
	sender      Sender
	broadcaster Broadcaster
	dedupe      *dedupe.Cache

	hooksMu sync.RWMutex
	hooks   []namedHook

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Service.
func New(st Store, sender Sender, broadcaster Broadcaster, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		sender:      sender,
		broadcaster: broadcaster,
		dedupe:      opts.Dedupe,
		logger:      logger.With("component", "relay"),
		metrics:     opts.Metrics,
	}
}

// HandleInbound processes one inbound event. It is registered with the client
// registry as a handler. Duplicates return nil; a persist failure is returned
// and stops the remaining stages.
func (s *Service) HandleInbound(ctx context.Context, evt registry.InboundEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	key := dedupe.Key(evt.AccountID, evt.ChatID, evt.MessageID)
	if s.dedupe != nil && !s.dedupe.Claim(key) {
		s.duplicate(evt)
		return nil
	}

	msg := &store.Message{
		AccountID: evt.AccountID,
		ChatID:    evt.ChatID,
		MessageID: evt.MessageID,
		Direction: store.DirectionIncoming,
		Text:      evt.Text,
		Status:    store.StatusReceived,
		Timestamp: evt.Timestamp,
	}
	saved, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		if s.dedupe != nil {
			s.dedupe.Release(key)
		}
		s.metrics.StageFailed("persist")
		return fmt.Errorf("persisting message %s: %w", evt.MessageID, err)
	}
	if !saved {
		s.duplicate(evt)
		return nil
	}
	s.metrics.MessageStored(string(msg.Direction), string(msg.Status))

	convID, err := s.store.UpsertConversation(ctx, &store.ConversationUpsert{
		AccountID: evt.AccountID,
		ChatID:    evt.ChatID,
		ChatName:  evt.SenderName,
		Customer: store.Customer{
			FirstName: evt.Customer.FirstName,
			LastName:  evt.Customer.LastName,
			Username:  evt.Customer.Username,
			Phone:     evt.Customer.Phone,
			UserID:    evt.Customer.UserID,
		},
		At: evt.Timestamp,
	})
	if err != nil {
		s.metrics.StageFailed("conversation_upsert")
		s.logger.Error("conversation upsert failed",
			"account_id", evt.AccountID,
			"chat_id", evt.ChatID,
			"error", err,
		)
	}

	s.broadcaster.Broadcast(ctx, hub.Event{
		Type: hub.EventMessageReceived,
		Data: InboundPayload{ID: msg.ID, ConversationID: convID, InboundEvent: evt},
	})

	s.logger.Info("message received",
		"account_id", evt.AccountID,
		"chat_id", evt.ChatID,
		"message_id", evt.MessageID,
	)

	s.runHooks(ctx, evt)
	return nil
}

func (s *Service) duplicate(evt registry.InboundEvent) {
	s.metrics.DuplicateDropped()
	s.logger.Debug("duplicate message dropped",
		"account_id", evt.AccountID,
		"chat_id", evt.ChatID,
		"message_id", evt.MessageID,
	)
}

// Reply sends text into an existing conversation. The outgoing message is
// stored and broadcast whether or not the send succeeded; on failure the
// returned error wraps ErrSendFailed.
func (s *Service) Reply(ctx context.Context, conversationID int64, text string) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.SendToChat(ctx, conv.AccountID, conv.ChatID, text)
}

// SendToChat sends text to the chat identified by account and chat id.
func (s *Service) SendToChat(ctx context.Context, accountID, chatID, text string) (*store.Message, error) {
	externalID, sendErr := s.sender.SendMessage(ctx, accountID, chatID, text)
	s.metrics.SendResult(sendErr == nil)

	msg := &store.Message{
		AccountID: accountID,
		ChatID:    chatID,
		MessageID: externalID,
		Direction: store.DirectionOutgoing,
		Text:      text,
		Status:    store.StatusSent,
		Timestamp: time.Now(),
	}
	switch {
	case sendErr != nil:
		msg.MessageID = failedIDPrefix + ulid.Make().String()
		msg.Status = store.StatusFailed
		s.logger.Warn("outbound send failed",
			"account_id", accountID,
			"chat_id", chatID,
			"error", sendErr,
		)
	case externalID == "":
		msg.MessageID = localIDPrefix + ulid.Make().String()
		s.logger.Debug("network returned no message id", "account_id", accountID, "chat_id", chatID)
	}

	if _, err := s.store.SaveMessage(ctx, msg); err != nil {
		s.metrics.StageFailed("persist")
		return nil, fmt.Errorf("persisting outgoing message: %w", err)
	}
	s.metrics.MessageStored(string(msg.Direction), string(msg.Status))

	convID, err := s.store.UpsertConversation(ctx, &store.ConversationUpsert{
		AccountID: accountID,
		ChatID:    chatID,
		At:        msg.Timestamp,
	})
	if err != nil {
		s.metrics.StageFailed("conversation_upsert")
		s.logger.Error("conversation upsert failed", "account_id", accountID, "chat_id", chatID, "error", err)
	}

	s.broadcaster.Broadcast(ctx, hub.Event{
		Type: hub.EventMessageSent,
		Data: OutboundPayload{ConversationID: convID, Message: msg},
	})

	if sendErr != nil {
		return msg, fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	}
	return msg, nil
}
