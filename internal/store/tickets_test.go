// ABOUTME: Tests for ticket persistence and its audit history
// ABOUTME: Covers defaults, single-active-ticket creation, partial updates and deletes

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTicket_Defaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &Ticket{AccountID: "acc", ChatID: "chat", Subject: "Login broken"}
	require.NoError(t, s.CreateTicket(ctx, ticket))

	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, PriorityMedium, ticket.Priority)
	assert.Equal(t, TicketOpen, ticket.Status)
	assert.Equal(t, SourceManual, ticket.Source)
	assert.Len(t, ticket.ShortID(), 8)

	got, err := s.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "Login broken", got.Subject)
	assert.Equal(t, ticket.ChatID, got.ChatID)
}

func TestCreateTicket_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateTicket(ctx, &Ticket{AccountID: "acc", ChatID: "chat"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = s.CreateTicket(ctx, &Ticket{AccountID: "acc", ChatID: "chat", Subject: "x", Priority: "critical"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOpenTicket_OnlyOneActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.OpenTicket(ctx, &Ticket{AccountID: "acc", ChatID: "chat", Subject: "one", Source: SourceUserCommand})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.OpenTicket(ctx, &Ticket{AccountID: "acc", ChatID: "chat", Subject: "two"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// Closing the active ticket allows a new one.
	closed := TicketClosed
	_, err = s.UpdateTicket(ctx, first.ID, TicketUpdate{Status: &closed})
	require.NoError(t, err)

	_, created, err = s.OpenTicket(ctx, &Ticket{AccountID: "acc", ChatID: "chat", Subject: "three"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGetActiveTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveTicket(ctx, "acc", "chat")
	assert.ErrorIs(t, err, ErrNotFound)

	ticket := &Ticket{AccountID: "acc", ChatID: "chat", Subject: "help", Status: TicketInProgress}
	require.NoError(t, s.CreateTicket(ctx, ticket))

	active, err := s.GetActiveTicket(ctx, "acc", "chat")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, active.ID)
}

func TestUpdateTicket_RecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &Ticket{AccountID: "acc", ChatID: "chat", Subject: "help"}
	require.NoError(t, s.CreateTicket(ctx, ticket))

	high := PriorityHigh
	progress := TicketInProgress
	same := "help"
	updated, err := s.UpdateTicket(ctx, ticket.ID, TicketUpdate{Priority: &high, Status: &progress, Subject: &same})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, updated.Priority)
	assert.Equal(t, TicketInProgress, updated.Status)

	history, err := s.TicketHistory(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 2, "unchanged subject must not be recorded")
	assert.Equal(t, "priority", history[0].Field)
	assert.Equal(t, "medium", history[0].OldValue)
	assert.Equal(t, "high", history[0].NewValue)
	assert.Equal(t, "status", history[1].Field)
}

func TestUpdateTicket_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	closed := TicketClosed
	_, err := s.UpdateTicket(ctx, "missing", TicketUpdate{Status: &closed})
	assert.ErrorIs(t, err, ErrNotFound)

	bogus := TicketStatus("archived")
	_, err = s.UpdateTicket(ctx, "missing", TicketUpdate{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListTickets_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTicket(ctx, &Ticket{AccountID: "acc", ChatID: "a", Subject: "a"}))
	require.NoError(t, s.CreateTicket(ctx, &Ticket{AccountID: "acc", ChatID: "b", Subject: "b", Status: TicketClosed}))

	all, err := s.ListTickets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.ListTickets(ctx, TicketOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].Subject)
}

func TestDeleteTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &Ticket{AccountID: "acc", ChatID: "chat", Subject: "bye"}
	require.NoError(t, s.CreateTicket(ctx, ticket))
	urgent := PriorityUrgent
	_, err := s.UpdateTicket(ctx, ticket.ID, TicketUpdate{Priority: &urgent})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTicket(ctx, ticket.ID))

	_, err = s.GetTicket(ctx, ticket.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	history, err := s.TicketHistory(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, s.DeleteTicket(ctx, ticket.ID), ErrNotFound)
}

func TestSummarizeTickets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	march := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seed := []*Ticket{
		{AccountID: "support", ChatID: "c1", Subject: "a", Priority: PriorityHigh, CreatedAt: march},
		{AccountID: "support", ChatID: "c2", Subject: "b", Priority: PriorityHigh, Status: TicketResolved, CreatedAt: march.Add(time.Hour)},
		{AccountID: "sales", ChatID: "c3", Subject: "c", Priority: PriorityLow, Status: TicketInProgress, CreatedAt: march.Add(2 * time.Hour)},
		{AccountID: "support", ChatID: "c4", Subject: "d", Priority: PriorityUrgent, CreatedAt: march.AddDate(0, -1, 0)},
	}
	for _, ticket := range seed {
		require.NoError(t, s.CreateTicket(ctx, ticket))
	}

	all, err := s.SummarizeTickets(ctx, TicketSummaryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)

	period := TicketSummaryFilter{
		From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	got, err := s.SummarizeTickets(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, map[TicketStatus]int{
		TicketOpen: 1, TicketInProgress: 1, TicketResolved: 1, TicketClosed: 0,
	}, got.ByStatus)
	assert.Equal(t, map[TicketPriority]int{
		PriorityLow: 1, PriorityMedium: 0, PriorityHigh: 2, PriorityUrgent: 0,
	}, got.ByPriority)

	period.AccountID = "support"
	got, err = s.SummarizeTickets(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 2, got.ByPriority[PriorityHigh])
}
