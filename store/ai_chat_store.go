package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a point lookup matches nothing.
var ErrNotFound = errors.New("not found")

// UpsertConversation returns the conversation for (owner, counterpart, backend), creating it if absent.
func (s *Store) UpsertConversation(ctx context.Context, upsert *Conversation) (*Conversation, error) {
	if upsert.OwnerID == "" || upsert.CounterpartID == "" || upsert.Backend == "" {
		return nil, errors.New("conversation requires owner, counterpart and backend")
	}
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = time.Now().Unix()
	}
	if upsert.UpdatedTs == 0 {
		upsert.UpdatedTs = upsert.CreatedTs
	}
	return s.driver.UpsertConversation(ctx, upsert)
}

// ListConversations lists conversations matching the given filter, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

// GetConversation returns the first conversation matching the given filter, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// UpdateConversation updates a conversation's mutable fields.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

// CreateExchange inserts a user turn and its streaming assistant turn in one unit.
func (s *Store) CreateExchange(ctx context.Context, create *CreateExchange) (*Turn, *Turn, error) {
	if create.UserTurnID == "" || create.AssistantTurnID == "" || create.UserTurnID == create.AssistantTurnID {
		return nil, nil, errors.New("exchange requires two distinct turn ids")
	}
	if create.AssistantMeta == nil {
		create.AssistantMeta = &StreamingMeta{}
	}
	return s.driver.CreateExchange(ctx, create)
}

// GetTurn returns the turn with the given id, or ErrNotFound.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	turn, err := s.driver.GetTurn(ctx, id)
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, ErrNotFound
	}
	return turn, nil
}

// ListTurns scans a conversation's turns in order key order.
func (s *Store) ListTurns(ctx context.Context, find *FindTurn) ([]*Turn, error) {
	if find.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	return s.driver.ListTurns(ctx, find)
}

// UpdateTurn writes content and metadata of a streaming turn. It returns nil, nil
// when the turn is no longer streaming or the write's revision is stale.
func (s *Store) UpdateTurn(ctx context.Context, update *UpdateTurn) (*Turn, error) {
	if update.Meta == nil {
		return nil, errors.New("turn metadata is required")
	}
	mu := s.turnLock(update.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.driver.UpdateTurn(ctx, update)
}

// DeleteTurns deletes all turns of a conversation; the conversation itself persists.
func (s *Store) DeleteTurns(ctx context.Context, delete *DeleteTurn) (int64, error) {
	if delete.ConversationID == "" {
		return 0, errors.New("conversation id is required")
	}
	return s.driver.DeleteTurns(ctx, delete)
}
