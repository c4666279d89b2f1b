package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/judyhq/judy/store"
)

func TestPageUnionUnderConcurrentAppends(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	first := beginTestExchange(t, svc, "owner", "ada", "message 0")
	conversationID := first.Conversation.ID
	for i := 1; i < 7; i++ {
		beginTestExchange(t, svc, "owner", "ada", "message")
	}
	original, err := svc.Store.ListTurns(ctx, &store.FindTurn{ConversationID: conversationID})
	require.NoError(t, err)
	require.Len(t, original, 14)

	seen := map[string]bool{}
	var delivered []*store.Turn
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		page, err := svc.Pager.Page(ctx, conversationID, cursor, 4)
		require.NoError(t, err)
		for i := 1; i < len(page.Turns); i++ {
			require.True(t, page.Turns[i-1].OrderKey().Less(page.Turns[i].OrderKey()))
		}
		for _, turn := range page.Turns {
			require.False(t, seen[turn.ID], "turn %s delivered twice", turn.ID)
			seen[turn.ID] = true
		}
		delivered = append(page.Turns, delivered...)

		// The tail keeps growing between page loads.
		beginTestExchange(t, svc, "owner", "ada", "appended")

		if !page.HasMore {
			require.Empty(t, page.NextCursor)
			break
		}
		require.Equal(t, page.Turns[0].ID, page.NextCursor)
		cursor = page.NextCursor
	}

	require.Len(t, delivered, len(original))
	for i, turn := range original {
		require.Equal(t, turn.ID, delivered[i].ID)
	}
}

func TestPageLimitsAndCursor(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	ex := beginTestExchange(t, svc, "owner", "ada", "hi")
	other := beginTestExchange(t, svc, "owner", "grace", "hi")

	page, err := svc.Pager.Page(ctx, ex.Conversation.ID, "", 0)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Turns, 2)
	require.Equal(t, ex.UserTurn.ID, page.Turns[0].ID)

	page, err = svc.Pager.Page(ctx, ex.Conversation.ID, "", 1)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, ex.AssistantTurn.ID, page.NextCursor)

	page, err = svc.Pager.Page(ctx, ex.Conversation.ID, ex.UserTurn.ID, 10)
	require.NoError(t, err)
	require.Empty(t, page.Turns)
	require.False(t, page.HasMore)

	_, err = svc.Pager.Page(ctx, ex.Conversation.ID, "unknown", 10)
	require.ErrorIs(t, err, ErrInvalidCursor)
	_, err = svc.Pager.Page(ctx, ex.Conversation.ID, other.UserTurn.ID, 10)
	require.ErrorIs(t, err, ErrInvalidCursor)
}
