// ABOUTME: Tests for conversation upsert, listing and cascade delete
// ABOUTME: Verifies partial-field updates never clear stored values

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertConversation_CreatesThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.UpsertConversation(ctx, &ConversationUpsert{
		AccountID: "acc", ChatID: "chat", ChatName: "Alice", At: t0,
		Customer: Customer{FirstName: "Alice", Phone: "+100"},
	})
	require.NoError(t, err)

	again, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat", At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", conv.ChatName)
	assert.Equal(t, "Alice", conv.Customer.FirstName)
	assert.Equal(t, "+100", conv.Customer.Phone)
	assert.True(t, conv.LastMessageAt.Equal(t0.Add(time.Minute)))
}

func TestUpsertConversation_PartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertConversation(ctx, &ConversationUpsert{
		AccountID: "acc", ChatID: "chat",
		Customer: Customer{FirstName: "A", Phone: "P"},
	})
	require.NoError(t, err)

	_, err = s.UpsertConversation(ctx, &ConversationUpsert{
		AccountID: "acc", ChatID: "chat",
		Customer: Customer{FirstName: "B"},
	})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", conv.Customer.FirstName)
	assert.Equal(t, "P", conv.Customer.Phone, "omitted field must keep its stored value")
}

func TestUpsertConversation_ChatNameLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat", ChatName: "Old"})
	require.NoError(t, err)
	_, err = s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat", ChatName: "New"})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New", conv.ChatName)
}

func TestUpsertConversation_LastMessageAtNeverMovesBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat", At: t0})
	require.NoError(t, err)
	_, err = s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat", At: t0.Add(-time.Hour)})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(t0))
}

func TestUpsertConversation_ConcurrentFirstMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestUpsertConversation_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertConversation(context.Background(), &ConversationUpsert{AccountID: "acc"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListConversations_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, chat := range []string{"old", "newest", "middle"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		_, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: chat, At: t0.Add(offsets[i])})
		require.NoError(t, err)
	}

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "newest", convs[0].ChatID)
	assert.Equal(t, "middle", convs[1].ChatID)
	assert.Equal(t, "old", convs[2].ChatID)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetConversationByChat(context.Background(), "acc", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "chat"})
	require.NoError(t, err)
	for _, m := range []string{"1", "2", "3"} {
		_, err := s.SaveMessage(ctx, incoming("acc", "chat", m, "x", time.Now()))
		require.NoError(t, err)
	}
	// Unrelated chat survives.
	otherID, err := s.UpsertConversation(ctx, &ConversationUpsert{AccountID: "acc", ChatID: "other"})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, incoming("acc", "other", "1", "keep", time.Now()))
	require.NoError(t, err)

	deleted, err := s.DeleteConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetConversation(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, m := range []string{"1", "2", "3"} {
		exists, err := s.MessageExists(ctx, "acc", "chat", m)
		require.NoError(t, err)
		assert.False(t, exists)
	}

	rest, err := s.ListMessages(ctx, otherID, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestDeleteConversation_Unknown(t *testing.T) {
	s := newTestStore(t)
	deleted, err := s.DeleteConversation(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, deleted)
}
