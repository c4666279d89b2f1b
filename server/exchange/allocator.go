package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/judyhq/judy/plugin/llm"
	"github.com/judyhq/judy/store"
)

// BeginExchange is a request to start one exchange.
type BeginExchange struct {
	OwnerID       string
	CounterpartID string
	// Backend defaults to the registry default.
	Backend string
	Content string
}

// Exchange is an allocated user turn and its streaming assistant turn.
type Exchange struct {
	Conversation  *store.Conversation
	UserTurn      *store.Turn
	AssistantTurn *store.Turn
}

// Allocator creates the turns of an exchange before any generated content exists.
type Allocator struct {
	store    *store.Store
	registry *llm.Registry
	leaseTTL time.Duration
	now      func() time.Time

	conversations singleflight.Group
}

func NewAllocator(s *store.Store, registry *llm.Registry, leaseTTL time.Duration) *Allocator {
	return &Allocator{
		store:    s,
		registry: registry,
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

const defaultTitlePrefix = "AI Chat - "

// DefaultTitle is the title of a conversation until one is generated.
func DefaultTitle(t time.Time) string {
	return defaultTitlePrefix + t.Format("2006-01-02")
}

// BeginExchange resolves or creates the conversation and inserts both turns in one unit.
func (a *Allocator) BeginExchange(ctx context.Context, req BeginExchange) (*Exchange, error) {
	content := norm.NFC.String(req.Content)
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	backend := req.Backend
	if backend == "" {
		backend = a.registry.Default()
	}
	if !a.registry.Has(backend) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	if req.OwnerID == "" || req.CounterpartID == "" {
		return nil, fmt.Errorf("%w: owner and counterpart are required", ErrConversationUnavailable)
	}

	conversation, err := a.resolveConversation(ctx, req.OwnerID, req.CounterpartID, backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversationUnavailable, err)
	}

	now := a.now()
	userTurn, assistantTurn, err := a.store.CreateExchange(ctx, &store.CreateExchange{
		ConversationID:  conversation.ID,
		UserTurnID:      shortuuid.New(),
		AssistantTurnID: shortuuid.New(),
		UserContent:     content,
		NowTs:           now.UnixMicro(),
		AssistantMeta: &store.StreamingMeta{
			Model:          a.registry.Model(backend),
			LeaseExpiresTs: now.Add(a.leaseTTL).UnixMicro(),
			StartedTs:      now.UnixMicro(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversationUnavailable, err)
	}
	return &Exchange{
		Conversation:  conversation,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
	}, nil
}

// resolveConversation collapses concurrent get-or-create calls for one triple;
// the storage unique index covers callers in other processes. The shared call
// runs without the first caller's cancellation.
func (a *Allocator) resolveConversation(ctx context.Context, ownerID, counterpartID, backend string) (*store.Conversation, error) {
	key := ownerID + "\x00" + counterpartID + "\x00" + backend
	shared := context.WithoutCancel(ctx)
	v, err, _ := a.conversations.Do(key, func() (any, error) {
		now := a.now()
		return a.store.UpsertConversation(shared, &store.Conversation{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			CounterpartID: counterpartID,
			Backend:       backend,
			Title:         DefaultTitle(now),
			CreatedTs:     now.Unix(),
			UpdatedTs:     now.Unix(),
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Conversation), nil
}
