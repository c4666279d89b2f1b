package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/judyhq/judy/store"
)

func createConversation(ctx context.Context, t *testing.T, ts *store.Store) *store.Conversation {
	t.Helper()
	c, err := ts.UpsertConversation(ctx, &store.Conversation{
		ID:            uuid.NewString(),
		OwnerID:       "owner-" + shortuuid.New(),
		CounterpartID: "rin",
		Backend:       "echo",
	})
	require.NoError(t, err)
	return c
}

func createExchange(ctx context.Context, t *testing.T, ts *store.Store, conversationID string, nowTs int64) (*store.Turn, *store.Turn) {
	t.Helper()
	user, assistant, err := ts.CreateExchange(ctx, &store.CreateExchange{
		ConversationID:  conversationID,
		UserTurnID:      shortuuid.New(),
		AssistantTurnID: shortuuid.New(),
		UserContent:     "hello",
		NowTs:           nowTs,
		AssistantMeta:   &store.StreamingMeta{Model: "echo"},
	})
	require.NoError(t, err)
	return user, assistant
}

func TestConversationUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	owner := "owner-" + shortuuid.New()
	ids := make([]string, 8)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			c, err := ts.UpsertConversation(ctx, &store.Conversation{
				ID:            uuid.NewString(),
				OwnerID:       owner,
				CounterpartID: "rin",
				Backend:       "echo",
			})
			if err != nil {
				return err
			}
			ids[i] = c.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	list, err := ts.ListConversations(ctx, &store.FindConversation{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = ts.UpsertConversation(ctx, &store.Conversation{ID: uuid.NewString(), OwnerID: owner})
	require.Error(t, err)
}

func TestUpdateConversationTitle(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)

	title := "Weekend plans"
	updated, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: c.ID, Title: &title})
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)

	got, err := ts.GetConversation(ctx, &store.FindConversation{ID: &c.ID})
	require.NoError(t, err)
	require.Equal(t, title, got.Title)

	missing := uuid.NewString()
	_, err = ts.GetConversation(ctx, &store.FindConversation{ID: &missing})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateExchangeOrdering(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)

	now := time.Now().UnixMicro()
	user1, assistant1 := createExchange(ctx, t, ts, c.ID, now)
	require.Equal(t, store.StatusFinal, user1.Status())
	require.Equal(t, store.StatusStreaming, assistant1.Status())
	require.True(t, user1.OrderKey().Less(assistant1.OrderKey()))

	// A clock that went backwards still allocates after the newest turn.
	user2, assistant2 := createExchange(ctx, t, ts, c.ID, now-1_000_000)
	require.True(t, assistant1.OrderKey().Less(user2.OrderKey()))
	require.True(t, user2.OrderKey().Less(assistant2.OrderKey()))

	got, err := ts.GetTurn(ctx, assistant1.ID)
	require.NoError(t, err)
	meta, ok := got.Meta.(store.StreamingMeta)
	require.True(t, ok)
	require.Equal(t, "echo", meta.Model)

	_, _, err = ts.CreateExchange(ctx, &store.CreateExchange{
		ConversationID:  uuid.NewString(),
		UserTurnID:      shortuuid.New(),
		AssistantTurnID: shortuuid.New(),
		NowTs:           now,
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateExchangeConcurrent(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)

	now := time.Now().UnixMicro()
	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			_, _, err := ts.CreateExchange(ctx, &store.CreateExchange{
				ConversationID:  c.ID,
				UserTurnID:      shortuuid.New(),
				AssistantTurnID: shortuuid.New(),
				UserContent:     "ping",
				NowTs:           now,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	turns, err := ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID})
	require.NoError(t, err)
	require.Len(t, turns, 20)
	for i := 1; i < len(turns); i++ {
		require.True(t, turns[i-1].OrderKey().Less(turns[i].OrderKey()))
		require.NotEqual(t, turns[i-1].CreatedTs, turns[i].CreatedTs)
	}
	for i := 0; i < len(turns); i += 2 {
		require.Equal(t, store.RoleUser, turns[i].Role)
		require.Equal(t, store.RoleAssistant, turns[i+1].Role)
	}
}

func TestUpdateTurnGuards(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)
	_, assistant := createExchange(ctx, t, ts, c.ID, time.Now().UnixMicro())

	updated, err := ts.UpdateTurn(ctx, &store.UpdateTurn{
		ID:       assistant.ID,
		Content:  "Hello, wor",
		Meta:     store.StreamingMeta{Model: "echo"},
		Revision: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, "Hello, wor", updated.Content)

	// A stale checkpoint arriving late must not shrink the content.
	stale, err := ts.UpdateTurn(ctx, &store.UpdateTurn{
		ID:       assistant.ID,
		Content:  "Hel",
		Meta:     store.StreamingMeta{Model: "echo"},
		Revision: 1,
	})
	require.NoError(t, err)
	require.Nil(t, stale)

	final, err := ts.UpdateTurn(ctx, &store.UpdateTurn{
		ID:       assistant.ID,
		Content:  "Hello, world",
		Meta:     store.FinalMeta{Model: "echo", TokenEstimate: 3},
		Revision: 3,
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinal, final.Status())

	// Terminal turns are immutable.
	again, err := ts.UpdateTurn(ctx, &store.UpdateTurn{
		ID:       assistant.ID,
		Content:  "overwritten",
		Meta:     store.InterruptedMeta{},
		Revision: 4,
	})
	require.NoError(t, err)
	require.Nil(t, again)

	got, err := ts.GetTurn(ctx, assistant.ID)
	require.NoError(t, err)
	require.Equal(t, "Hello, world", got.Content)
	require.Equal(t, store.FinalMeta{Model: "echo", TokenEstimate: 3}, got.Meta)

	_, err = ts.GetTurn(ctx, shortuuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTurnsBackwardScan(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)

	now := time.Now().UnixMicro()
	var all []*store.Turn
	for i := range 5 {
		u, a := createExchange(ctx, t, ts, c.ID, now+int64(i))
		all = append(all, u, a)
	}

	page, err := ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Desc: true, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{all[9].ID, all[8].ID, all[7].ID}, turnIDs(page))

	before := all[7].OrderKey()
	page, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Desc: true, Limit: 3, Before: &before})
	require.NoError(t, err)
	require.Equal(t, []string{all[6].ID, all[5].ID, all[4].ID}, turnIDs(page))

	page, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Before: &before})
	require.NoError(t, err)
	require.Len(t, page, 7)
	require.Equal(t, all[0].ID, page[0].ID)

	streaming := store.StatusStreaming
	page, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Status: &streaming})
	require.NoError(t, err)
	require.Len(t, page, 5)

	role := store.RoleUser
	page, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Role: &role, Desc: true, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, all[8].ID, page[0].ID)
}

func TestListTurnsTieBreakByID(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)
	u, a := createExchange(ctx, t, ts, c.ID, time.Now().UnixMicro())

	// Keys sharing a timestamp order by id.
	before := store.OrderKey{Ts: a.CreatedTs, ID: a.ID}
	page, err := ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Desc: true, Before: &before})
	require.NoError(t, err)
	require.Equal(t, []string{u.ID}, turnIDs(page))

	before = store.OrderKey{Ts: a.CreatedTs, ID: a.ID + "~"}
	page, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID, Desc: true, Before: &before})
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, u.ID}, turnIDs(page))
}

func TestDeleteTurns(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	c := createConversation(ctx, t, ts)
	other := createConversation(ctx, t, ts)
	now := time.Now().UnixMicro()
	for i := range 3 {
		createExchange(ctx, t, ts, c.ID, now+int64(i))
	}
	createExchange(ctx, t, ts, other.ID, now)

	deleted, err := ts.DeleteTurns(ctx, &store.DeleteTurn{ConversationID: c.ID})
	require.NoError(t, err)
	require.EqualValues(t, 6, deleted)

	turns, err := ts.ListTurns(ctx, &store.FindTurn{ConversationID: c.ID})
	require.NoError(t, err)
	require.Empty(t, turns)

	turns, err = ts.ListTurns(ctx, &store.FindTurn{ConversationID: other.ID})
	require.NoError(t, err)
	require.Len(t, turns, 2)

	_, err = ts.GetConversation(ctx, &store.FindConversation{ID: &c.ID})
	require.NoError(t, err, fmt.Sprintf("conversation %s must survive clearing", c.ID))

	// The conversation accepts new exchanges after being cleared.
	createExchange(ctx, t, ts, c.ID, now)
}

func turnIDs(turns []*store.Turn) []string {
	ids := make([]string, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.ID)
	}
	return ids
}
