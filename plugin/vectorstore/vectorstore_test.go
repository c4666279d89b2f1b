package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), HashEmbedding(64))
	require.NoError(t, err)

	require.NoError(t, s.UpsertTurn(ctx, "c1", "t1", "user", "the quarterly budget review is on friday"))
	require.NoError(t, s.UpsertTurn(ctx, "c1", "t2", "assistant", "pizza toppings and cheese"))
	require.NoError(t, s.UpsertTurn(ctx, "c1", "t3", "user", "   "))
	require.NoError(t, s.UpsertTurn(ctx, "c2", "t4", "user", "budget review budget"))

	results, err := s.SearchSimilar(ctx, "c1", "when is the budget review", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].TurnID)
	require.Equal(t, "user", results[0].Role)

	results, err = s.SearchSimilar(ctx, "c1", "budget review", 5, map[string]bool{"t1": true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t2", results[0].TurnID)

	results, err = s.SearchSimilar(ctx, "missing", "budget", 3, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(HashEmbedding(32))
	require.NoError(t, s.UpsertTurn(ctx, "c1", "t1", "user", "hello there"))
	require.NoError(t, s.DeleteConversation("c1"))
	require.NoError(t, s.DeleteConversation("c1"))

	results, err := s.SearchSimilar(ctx, "c1", "hello", 3, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestHashEmbeddingIsNormalized(t *testing.T) {
	embed := HashEmbedding(16)
	vec, err := embed(context.Background(), "Alpha beta, alpha!")
	require.NoError(t, err)
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	require.InDelta(t, 1.0, sum, 1e-5)

	empty, err := embed(context.Background(), "...")
	require.NoError(t, err)
	require.Equal(t, float32(1), empty[0])
}
