package vectorstore

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
)

// SearchResult is one recalled turn.
type SearchResult struct {
	TurnID  string
	Role    string
	Content string
	Score   float32
}

// Store wraps chromem-go with per-conversation collections and disk persistence.
type Store struct {
	mu      sync.RWMutex
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New opens the recall index persisted under dataDir/recall. Pass an OpenAI-compatible
// embedding function for real similarity, or HashEmbedding when running offline.
func New(dataDir string, embedFunc chromem.EmbeddingFunc) (*Store, error) {
	path := filepath.Join(dataDir, "recall")
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create recall dir %s", path)
	}
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open recall index")
	}
	return &Store{db: db, embedFn: embedFunc}, nil
}

// NewInMemory creates a store that is not persisted.
func NewInMemory(embedFunc chromem.EmbeddingFunc) *Store {
	return &Store{db: chromem.NewDB(), embedFn: embedFunc}
}

func collectionName(conversationID string) string {
	return "conversation_" + conversationID
}

func (s *Store) getOrCreateCollection(conversationID string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(collectionName(conversationID), nil, s.embedFn)
	if err != nil {
		slog.Error("failed to create vector collection", "conversation", conversationID, "err", err)
		return nil, err
	}
	return col, nil
}

// UpsertTurn indexes (or re-indexes) a finalized turn of a conversation.
func (s *Store) UpsertTurn(ctx context.Context, conversationID, turnID, role, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.getOrCreateCollection(conversationID)
	if err != nil {
		return errors.Wrapf(err, "failed to open collection of conversation %s", conversationID)
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:      turnID,
		Content: content,
		Metadata: map[string]string{
			"role": role,
		},
	})
}

// SearchSimilar returns up to k turns most semantically similar to the query,
// skipping the ids in exclude.
func (s *Store) SearchSimilar(ctx context.Context, conversationID, query string, k int, exclude map[string]bool) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collectionName(conversationID), s.embedFn)
	if col == nil || k <= 0 {
		return nil, nil
	}
	// Over-fetch so excluded ids do not starve the result.
	n := min(k+len(exclude), col.Count())
	if n == 0 {
		return nil, nil
	}

	// Query may still reject n close to the collection size; step down until it accepts.
	hits, err := col.Query(ctx, query, n, nil, nil)
	for err != nil && n > 1 {
		n--
		hits, err = col.Query(ctx, query, n, nil, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recall index")
	}

	out := make([]SearchResult, 0, k)
	for _, r := range hits {
		if exclude[r.ID] {
			continue
		}
		out = append(out, SearchResult{
			TurnID:  r.ID,
			Role:    r.Metadata["role"],
			Content: r.Content,
			Score:   r.Similarity,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// DeleteConversation drops every indexed turn of a conversation.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db.GetCollection(collectionName(conversationID), s.embedFn) == nil {
		return nil
	}
	return s.db.DeleteCollection(collectionName(conversationID))
}

// HashEmbedding returns a deterministic, offline embedding function that hashes
// lower-cased words into dim buckets and normalizes the result.
func HashEmbedding(dim int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
