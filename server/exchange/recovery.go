package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/judyhq/judy/store"
)

// InterruptedSentinel replaces the content of a recovered turn that had none.
const InterruptedSentinel = "[Message was interrupted during streaming]"

// Scanner repairs assistant turns left streaming by a coordinator that died.
type Scanner struct {
	store *store.Store
	now   func() time.Time
}

func NewScanner(s *store.Store) *Scanner {
	return &Scanner{store: s, now: time.Now}
}

// Reconcile transitions every streaming assistant turn of the conversation whose
// lease has expired to interrupted, and returns how many it repaired.
func (s *Scanner) Reconcile(ctx context.Context, conversationID string) (int, error) {
	role, status := store.RoleAssistant, store.StatusStreaming
	turns, err := s.store.ListTurns(ctx, &store.FindTurn{
		ConversationID: conversationID,
		Role:           &role,
		Status:         &status,
	})
	if err != nil {
		return 0, err
	}

	repaired := 0
	now := s.now().UnixMicro()
	for _, turn := range turns {
		meta, ok := turn.Meta.(store.StreamingMeta)
		if !ok || !meta.LeaseExpired(now) {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		partial := content != ""
		if !partial {
			content = InterruptedSentinel
		}
		updated, err := s.store.UpdateTurn(ctx, &store.UpdateTurn{
			ID:      turn.ID,
			Content: content,
			Meta: store.InterruptedMeta{
				RecoveredTs:    now,
				PartialContent: partial,
			},
			Revision:  turn.Revision + 1,
			UpdatedTs: now,
		})
		if err != nil {
			return repaired, err
		}
		// A nil result means a coordinator or another scanner got there first.
		if updated != nil {
			repaired++
			slog.Info("recovered interrupted turn", "conversation", conversationID, "turn", turn.ID, "partial", partial)
		}
	}
	return repaired, nil
}
