package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/judyhq/judy/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one chronological slice of a conversation.
type Page struct {
	Turns   []*store.Turn
	HasMore bool
	// NextCursor is the id of the oldest delivered turn when HasMore is set.
	NextCursor string
}

// Pager serves stable backward pages over a conversation that may be appended to concurrently.
type Pager struct {
	store       *store.Store
	defaultSize int
}

func NewPager(s *store.Store, defaultSize int) *Pager {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	return &Pager{store: s, defaultSize: min(defaultSize, MaxPageSize)}
}

// Page returns up to limit turns strictly older than the cursor turn, or the newest
// turns when cursor is empty.
func (p *Pager) Page(ctx context.Context, conversationID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = p.defaultSize
	}
	limit = min(limit, MaxPageSize)

	find := &store.FindTurn{
		ConversationID: conversationID,
		Desc:           true,
		Limit:          limit + 1,
	}
	if cursor != "" {
		turn, err := p.store.GetTurn(ctx, cursor)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, cursor)
			}
			return nil, err
		}
		if turn.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, cursor)
		}
		key := turn.OrderKey()
		find.Before = &key
	}

	turns, err := p.store.ListTurns(ctx, find)
	if err != nil {
		return nil, err
	}
	page := &Page{}
	if len(turns) > limit {
		page.HasMore = true
		turns = turns[:limit]
	}
	slices.Reverse(turns)
	page.Turns = turns
	if page.HasMore {
		page.NextCursor = turns[0].ID
	}
	return page, nil
}
