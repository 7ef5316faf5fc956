// ABOUTME: Chat-driven support ticket commands handled as a relay hook
// ABOUTME: Parses /ticket, the Subject/Priority/Problem form and /close, replying through the relay

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	commandTicket = "/ticket"
	commandClose  = "/close"

	defaultSubject = "User Request"
)

const formInstructions = "🎫 **Create Support Ticket**\n\n" +
	"To create a ticket, reply to this message using the following format:\n\n" +
	"Subject: [Your Title]\n" +
	"Priority: [Low/Medium/High/Urgent]\n" +
	"Problem: [Description]"

// TicketStore is the ticket persistence the hook needs.
type TicketStore interface {
	OpenTicket(ctx context.Context, t *store.Ticket) (*store.Ticket, bool, error)
	GetActiveTicket(ctx context.Context, accountID, chatID string) (*store.Ticket, error)
	UpdateTicket(ctx context.Context, id string, upd store.TicketUpdate) (*store.Ticket, error)
}

// Replier sends a message back into a chat, storing and broadcasting it.
type Replier interface {
	SendToChat(ctx context.Context, accountID, chatID, text string) (*store.Message, error)
}

// Broadcaster notifies viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, evt hub.Event) int
}

// TicketHook turns chat commands into tickets.
type TicketHook struct {
	tickets     TicketStore
	replier     Replier
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewTicketHook creates the hook. Pass nil logger for default.
func NewTicketHook(tickets TicketStore, replier Replier, broadcaster Broadcaster, logger *slog.Logger) *TicketHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketHook{
		tickets:     tickets,
		replier:     replier,
		broadcaster: broadcaster,
		logger:      logger.With("component", "ticket-hook"),
	}
}

// OnInbound inspects one inbound message and acts on ticket commands.
func (h *TicketHook) OnInbound(ctx context.Context, evt registry.InboundEvent) error {
	text := strings.TrimSpace(evt.Text)
	lower := strings.ToLower(text)

	switch {
	case lower == commandTicket:
		return h.reply(ctx, evt, formInstructions)
	case strings.Contains(lower, "subject:") && strings.Contains(lower, "problem:"):
		return h.submit(ctx, evt, text)
	case lower == commandClose:
		return h.close(ctx, evt)
	}
	return nil
}

func (h *TicketHook) submit(ctx context.Context, evt registry.InboundEvent, text string) error {
	form := ParseTicketForm(text)

	ticket, created, err := h.tickets.OpenTicket(ctx, &store.Ticket{
		AccountID:   evt.AccountID,
		ChatID:      evt.ChatID,
		Subject:     form.Subject,
		Description: form.Problem,
		Priority:    form.Priority,
		Status:      store.TicketOpen,
		Source:      store.SourceUserCommand,
	})
	if err != nil {
		return fmt.Errorf("opening ticket: %w", err)
	}

	if !created {
		return h.reply(ctx, evt, fmt.Sprintf(
			"⚠️ You already have an OPEN ticket (#%s). Please wait for our team.", ticket.ShortID()))
	}

	h.logger.Info("ticket created",
		"ticket_id", ticket.ID,
		"account_id", evt.AccountID,
		"chat_id", evt.ChatID,
		"priority", ticket.Priority,
	)
	h.broadcaster.Broadcast(ctx, hub.Event{Type: hub.EventTicketCreated, Data: ticket})

	return h.reply(ctx, evt, fmt.Sprintf(
		"✅ **Ticket #%s Created**\n\nSubject: %s\nStatus: Open", ticket.ShortID(), ticket.Subject))
}

func (h *TicketHook) close(ctx context.Context, evt registry.InboundEvent) error {
	active, err := h.tickets.GetActiveTicket(ctx, evt.AccountID, evt.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Debug("close requested without an active ticket", "account_id", evt.AccountID, "chat_id", evt.ChatID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up active ticket: %w", err)
	}

	closed := store.TicketClosed
	ticket, err := h.tickets.UpdateTicket(ctx, active.ID, store.TicketUpdate{Status: &closed})
	if err != nil {
		return fmt.Errorf("closing ticket %s: %w", active.ID, err)
	}

	h.logger.Info("ticket closed by user", "ticket_id", ticket.ID, "chat_id", evt.ChatID)
	h.broadcaster.Broadcast(ctx, hub.Event{Type: hub.EventTicketUpdated, Data: ticket})

	return h.reply(ctx, evt, fmt.Sprintf(
		"✅ **Ticket #%s Closed.**\nThanks for contacting support!", ticket.ShortID()))
}

func (h *TicketHook) reply(ctx context.Context, evt registry.InboundEvent, text string) error {
	if _, err := h.replier.SendToChat(ctx, evt.AccountID, evt.ChatID, text); err != nil {
		return fmt.Errorf("replying to chat %s: %w", evt.ChatID, err)
	}
	return nil
}
