package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/judyhq/judy/internal/profile"
	"github.com/judyhq/judy/plugin/llm"
	"github.com/judyhq/judy/plugin/vectorstore"
	"github.com/judyhq/judy/store"
	teststore "github.com/judyhq/judy/store/test"
)

func newTestService(t *testing.T, mutate func(*profile.Profile)) *Service {
	t.Helper()
	return newTestServiceWithDriver(t, nil, mutate)
}

// newTestServiceWithDriver lets wrap intercept the testing store's driver.
func newTestServiceWithDriver(t *testing.T, wrap func(store.Driver) store.Driver, mutate func(*profile.Profile)) *Service {
	t.Helper()
	ctx := context.Background()
	s := teststore.NewTestingStore(ctx, t)
	if wrap != nil {
		s = store.New(wrap(s.GetDriver()), nil)
	}

	p := &profile.Profile{Mode: "dev", Data: t.TempDir(), Backend: "echo"}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, p.Validate())

	registry := llm.NewRegistry()
	registry.Register(&llm.Echo{ChunkRunes: 4}, llm.Config{Model: "echo-1"})
	require.NoError(t, registry.Init(ctx))
	t.Cleanup(func() { _ = registry.Shutdown() })

	svc := NewService(s, registry, vectorstore.NewInMemory(vectorstore.HashEmbedding(64)), nil, p)
	t.Cleanup(svc.Wait)
	return svc
}

// faultyDriver runs its hooks ahead of the wrapped writes; a returned error fails the write.
type faultyDriver struct {
	store.Driver
	beforeUpdate func(update *store.UpdateTurn) error
	beforeUpsert func(upsert *store.Conversation)
}

func (d *faultyDriver) UpdateTurn(ctx context.Context, update *store.UpdateTurn) (*store.Turn, error) {
	if d.beforeUpdate != nil {
		if err := d.beforeUpdate(update); err != nil {
			return nil, err
		}
	}
	return d.Driver.UpdateTurn(ctx, update)
}

func (d *faultyDriver) UpsertConversation(ctx context.Context, upsert *store.Conversation) (*store.Conversation, error) {
	if d.beforeUpsert != nil {
		d.beforeUpsert(upsert)
	}
	return d.Driver.UpsertConversation(ctx, upsert)
}

// isCheckpoint matches streaming writes after the coordinator's ownership stamp.
func isCheckpoint(update *store.UpdateTurn) bool {
	_, ok := update.Meta.(store.StreamingMeta)
	return ok && update.Revision > 1
}

// recordingSink collects forwarded fragments.
type recordingSink struct {
	mu        sync.Mutex
	fragments []string
}

func (r *recordingSink) Send(fragment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = append(r.fragments, fragment)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments)
}

// fragments returns a source yielding the given fragments in order.
func fragments(texts ...string) llm.FragmentStream {
	return func(yield func(string, error) bool) {
		for _, text := range texts {
			if !yield(text, nil) {
				return
			}
		}
	}
}

func beginTestExchange(t *testing.T, svc *Service, owner, counterpart, content string) *Exchange {
	t.Helper()
	ex, err := svc.Send(context.Background(), BeginExchange{
		OwnerID:       owner,
		CounterpartID: counterpart,
		Content:       content,
	})
	require.NoError(t, err)
	return ex
}

func getTurn(t *testing.T, svc *Service, id string) *store.Turn {
	t.Helper()
	turn, err := svc.Store.GetTurn(context.Background(), id)
	require.NoError(t, err)
	return turn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}
