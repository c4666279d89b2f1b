package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/plugin/llm"
	"github.com/judyhq/judy/plugin/vectorstore"
	"github.com/judyhq/judy/store"
)

const recallLimit = 3

// Directory resolves what is known about a counterpart for the system prompt.
type Directory interface {
	Lookup(ctx context.Context, ownerID, counterpartID string) (llm.CounterpartContext, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, ownerID, counterpartID string) (llm.CounterpartContext, error)

func (f DirectoryFunc) Lookup(ctx context.Context, ownerID, counterpartID string) (llm.CounterpartContext, error) {
	return f(ctx, ownerID, counterpartID)
}

// Service composes the allocator, coordinator, scanner and pager with the
// generation registry, the counterpart directory and semantic recall.
type Service struct {
	Store       *store.Store
	Registry    *llm.Registry
	Vectors     *vectorstore.Store
	Directory   Directory
	Allocator   *Allocator
	Coordinator *Coordinator
	Scanner     *Scanner
	Pager       *Pager

	profile *profile.Profile
	wg      sync.WaitGroup
}

// NewService wires the exchange components from the profile. vectors and directory may be nil.
func NewService(s *store.Store, registry *llm.Registry, vectors *vectorstore.Store, directory Directory, p *profile.Profile) *Service {
	svc := &Service{
		Store:     s,
		Registry:  registry,
		Vectors:   vectors,
		Directory: directory,
		Allocator: NewAllocator(s, registry, p.LeaseTTL),
		Coordinator: NewCoordinator(s, CoordinatorConfig{
			CheckpointInterval: p.CheckpointInterval,
			IdleTimeout:        p.IdleTimeout,
			MaxDuration:        p.MaxStreamDuration,
			LeaseTTL:           p.LeaseTTL,
			SendTimeout:        p.SendTimeout,
		}),
		Scanner: NewScanner(s),
		Pager:   NewPager(s, p.PageSize),
		profile: p,
	}
	svc.Coordinator.OnFinalized = svc.index
	return svc
}

// Send allocates an exchange. The caller learns both turn ids before any content exists.
func (s *Service) Send(ctx context.Context, req BeginExchange) (*Exchange, error) {
	ex, err := s.Allocator.BeginExchange(ctx, req)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.index(context.Background(), ex.UserTurn)
	}()
	return ex, nil
}

// Stream generates the assistant turn of ex, forwarding fragments to sink. Generation
// is detached from ctx's cancellation so a departing caller does not stop it.
func (s *Service) Stream(ctx context.Context, ex *Exchange, sink Sink) (store.TurnStatus, error) {
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var src llm.FragmentStream
	provider, err := s.Registry.Get(ex.Conversation.Backend)
	if err != nil {
		src = llm.Fail(err)
	} else if req, err := s.buildRequest(genCtx, ex); err != nil {
		src = llm.Fail(err)
	} else {
		src = provider.Stream(genCtx, req)
	}

	status, err := s.Coordinator.Run(genCtx, ex.AssistantTurn.ID, src, sink)
	if status == store.StatusFinal && s.profile.AutoTitle {
		s.maybeAutoTitle(ex)
	}
	return status, err
}

// Reply runs a whole exchange for a caller that does not stream. The returned
// exchange carries the assistant turn as finally stored; a generation failure
// still returns the errored turn alongside the error.
func (s *Service) Reply(ctx context.Context, req BeginExchange) (*Exchange, error) {
	ex, err := s.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	_, streamErr := s.Stream(ctx, ex, Discard)
	turn, err := s.Store.GetTurn(context.WithoutCancel(ctx), ex.AssistantTurn.ID)
	if err != nil {
		return nil, err
	}
	ex.AssistantTurn = turn
	return ex, streamErr
}

func (s *Service) buildRequest(ctx context.Context, ex *Exchange) (*llm.Request, error) {
	before := ex.AssistantTurn.OrderKey()
	window, err := s.Store.ListTurns(ctx, &store.FindTurn{
		ConversationID: ex.Conversation.ID,
		Before:         &before,
		Desc:           true,
		Limit:          s.profile.HistoryWindow,
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	turns := make([]llm.Message, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		t := window[i]
		seen[t.ID] = true
		if !usableHistory(t) {
			continue
		}
		turns = append(turns, llm.Message{Role: llm.Role(t.Role), Content: t.Content})
	}

	counterpart := llm.CounterpartContext{ID: ex.Conversation.CounterpartID, Name: ex.Conversation.CounterpartID}
	if s.Directory != nil {
		cc, err := s.Directory.Lookup(ctx, ex.Conversation.OwnerID, ex.Conversation.CounterpartID)
		if err != nil {
			slog.Warn("counterpart lookup failed", "counterpart", ex.Conversation.CounterpartID, "err", err)
		} else {
			counterpart = cc
		}
	}

	var recalled []string
	if s.Vectors != nil {
		results, err := s.Vectors.SearchSimilar(ctx, ex.Conversation.ID, ex.UserTurn.Content, recallLimit, seen)
		if err != nil {
			slog.Warn("semantic recall failed", "conversation", ex.Conversation.ID, "err", err)
		}
		for _, r := range results {
			recalled = append(recalled, fmt.Sprintf("%s: %s", r.Role, r.Content))
		}
	}

	return &llm.Request{
		Model:       s.Registry.Model(ex.Conversation.Backend),
		System:      llm.BuildSystemPrompt("", counterpart, recalled),
		Turns:       turns,
		Counterpart: counterpart,
		Recalled:    recalled,
		Temperature: s.profile.Temperature,
		MaxTokens:   s.profile.MaxTokens,
	}, nil
}

// usableHistory drops turns that carry nothing the model should see.
func usableHistory(t *store.Turn) bool {
	switch t.Status() {
	case store.StatusStreaming:
		return false
	case store.StatusInterrupted:
		return t.Content != InterruptedSentinel
	}
	return strings.TrimSpace(t.Content) != ""
}

func (s *Service) index(ctx context.Context, turn *store.Turn) {
	if s.Vectors == nil || turn == nil {
		return
	}
	if err := s.Vectors.UpsertTurn(ctx, turn.ConversationID, turn.ID, string(turn.Role), turn.Content); err != nil {
		slog.Warn("failed to index turn", "turn", turn.ID, "err", err)
	}
}

func (s *Service) maybeAutoTitle(ex *Exchange) {
	if !strings.HasPrefix(ex.Conversation.Title, defaultTitlePrefix) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autoTitle(context.Background(), ex)
	}()
}

// autoTitle names a conversation after its first exchange.
func (s *Service) autoTitle(ctx context.Context, ex *Exchange) {
	first, err := s.Store.ListTurns(ctx, &store.FindTurn{ConversationID: ex.Conversation.ID, Limit: 1})
	if err != nil || len(first) == 0 || first[0].ID != ex.UserTurn.ID {
		return
	}
	provider, err := s.Registry.Get(ex.Conversation.Backend)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	title, err := provider.Generate(ctx, &llm.Request{
		System: "You name chats. Reply with the title only.",
		Turns: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf(
				"Generate a short (5-7 word) title for a chat that starts with:\n\"%s\"\nReturn only the title, no quotes.",
				ex.UserTurn.Content,
			),
		}},
	})
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if err != nil || title == "" {
		slog.Debug("auto title skipped", "conversation", ex.Conversation.ID, "err", err)
		return
	}
	if _, err := s.Store.UpdateConversation(ctx, &store.UpdateConversation{ID: ex.Conversation.ID, Title: &title}); err != nil {
		slog.Warn("failed to store conversation title", "conversation", ex.Conversation.ID, "err", err)
	}
}

// Conversation returns the conversation if ownerID owns it.
func (s *Service) Conversation(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error) {
	conversation, err := s.Store.GetConversation(ctx, &store.FindConversation{ID: &conversationID})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conversation.OwnerID != ownerID {
		return nil, ErrConversationNotFound
	}
	return conversation, nil
}

// FindConversation returns ownerID's conversation with counterpartID on backend,
// or on the default backend when backend is empty.
func (s *Service) FindConversation(ctx context.Context, ownerID, counterpartID, backend string) (*store.Conversation, error) {
	if backend == "" {
		backend = s.Registry.Default()
	}
	conversation, err := s.Store.GetConversation(ctx, &store.FindConversation{
		OwnerID:       &ownerID,
		CounterpartID: &counterpartID,
		Backend:       &backend,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conversation, nil
}

func (s *Service) Conversations(ctx context.Context, ownerID string) ([]*store.Conversation, error) {
	return s.Store.ListConversations(ctx, &store.FindConversation{OwnerID: &ownerID})
}

// History repairs abandoned turns, then serves a page.
func (s *Service) History(ctx context.Context, ownerID, conversationID, cursor string, limit int) (*Page, error) {
	if _, err := s.Conversation(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.Scanner.Reconcile(ctx, conversationID); err != nil {
		slog.Warn("recovery before history failed", "conversation", conversationID, "err", err)
	}
	return s.Pager.Page(ctx, conversationID, cursor, limit)
}

// Rename sets a conversation's title.
func (s *Service) Rename(ctx context.Context, ownerID, conversationID, title string) (*store.Conversation, error) {
	if _, err := s.Conversation(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyContent
	}
	return s.Store.UpdateConversation(ctx, &store.UpdateConversation{ID: conversationID, Title: &title})
}

// Recover runs the recovery scanner on demand.
func (s *Service) Recover(ctx context.Context, ownerID, conversationID string) (int, error) {
	if _, err := s.Conversation(ctx, ownerID, conversationID); err != nil {
		return 0, err
	}
	return s.Scanner.Reconcile(ctx, conversationID)
}

// Clear deletes every turn of the conversation; the conversation persists.
func (s *Service) Clear(ctx context.Context, ownerID, conversationID string) (int64, error) {
	if _, err := s.Conversation(ctx, ownerID, conversationID); err != nil {
		return 0, err
	}
	deleted, err := s.Store.DeleteTurns(ctx, &store.DeleteTurn{ConversationID: conversationID})
	if err != nil {
		return 0, err
	}
	if s.Vectors != nil {
		if err := s.Vectors.DeleteConversation(conversationID); err != nil {
			slog.Warn("failed to drop conversation vectors", "conversation", conversationID, "err", err)
		}
	}
	return deleted, nil
}

// Wait blocks until background indexing, titling and coordinator workers finish.
func (s *Service) Wait() {
	s.wg.Wait()
	s.Coordinator.Wait()
}
