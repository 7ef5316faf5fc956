// ABOUTME: Tests for agent attribute persistence
// ABOUTME: Covers empty reads, partial merges, JSON round trips and deletion

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestGetAgentAttributes_Unset(t *testing.T) {
	s := newTestStore(t)

	attrs, err := s.GetAgentAttributes(context.Background(), "support")
	require.NoError(t, err)
	assert.True(t, attrs.IsEmpty())
	assert.Nil(t, attrs.UpdatedAt)
}

func TestUpdateAgentAttributes_MergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateAgentAttributes(ctx, "support", AgentAttributes{
		Persona:  ptr("Friendly and brief"),
		Schedule: &AgentSchedule{Timezone: "Europe/Berlin", WorkHours: "09:00-17:00", Days: []string{"mon", "tue"}},
	})
	require.NoError(t, err)

	updated, err := s.UpdateAgentAttributes(ctx, "support", AgentAttributes{
		Knowledge:   ptr("Refunds take five days."),
		Integration: map[string]bool{"matrix": true, "email": false},
		TicketingSettings: &TicketingSettings{
			AutoAssign:    ptr(true),
			MaxTickets:    ptr(5),
			PriorityRules: "auto",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Persona, "earlier fields survive a partial update")
	assert.Equal(t, "Friendly and brief", *updated.Persona)

	got, err := s.GetAgentAttributes(ctx, "support")
	require.NoError(t, err)
	require.NotNil(t, got.Persona)
	assert.Equal(t, "Friendly and brief", *got.Persona)
	require.NotNil(t, got.Knowledge)
	assert.Equal(t, "Refunds take five days.", *got.Knowledge)
	assert.Equal(t, &AgentSchedule{Timezone: "Europe/Berlin", WorkHours: "09:00-17:00", Days: []string{"mon", "tue"}}, got.Schedule)
	assert.Equal(t, map[string]bool{"matrix": true, "email": false}, got.Integration)
	require.NotNil(t, got.TicketingSettings)
	assert.Equal(t, 5, *got.TicketingSettings.MaxTickets)
	assert.True(t, *got.TicketingSettings.AutoAssign)
	assert.Equal(t, "auto", got.TicketingSettings.PriorityRules)
	require.NotNil(t, got.UpdatedAt)

	other, err := s.GetAgentAttributes(ctx, "sales")
	require.NoError(t, err)
	assert.True(t, other.IsEmpty(), "attributes are per account")
}

func TestUpdateAgentAttributes_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateAgentAttributes(ctx, "support", AgentAttributes{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.UpdateAgentAttributes(ctx, "", AgentAttributes{Persona: ptr("x")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteAgentAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateAgentAttributes(ctx, "support", AgentAttributes{Persona: ptr("x")})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAgentAttributes(ctx, "support"))
	got, err := s.GetAgentAttributes(ctx, "support")
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	assert.NoError(t, s.DeleteAgentAttributes(ctx, "support"), "deleting twice is a no-op")
}
