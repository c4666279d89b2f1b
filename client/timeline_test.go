package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeLoader serves pages from a fixed chronological log.
type fakeLoader struct {
	mu    sync.Mutex
	log   []*Turn
	calls int
	// gate, when set, blocks History until closed.
	gate chan struct{}
}

func newFakeLoader(ids ...string) *fakeLoader {
	l := &fakeLoader{}
	for _, id := range ids {
		l.log = append(l.log, &Turn{ID: id, Role: "user", Content: "content " + id, Status: "final"})
	}
	return l
}

func (l *fakeLoader) History(_ context.Context, _ string, cursor string, limit int) (*Page, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	end := len(l.log)
	if cursor != "" {
		for i, turn := range l.log {
			if turn.ID == cursor {
				end = i
			}
		}
	}
	start := max(end-limit, 0)
	page := &Page{Turns: append([]*Turn(nil), l.log[start:end]...), HasMore: start > 0}
	if page.HasMore {
		page.NextCursor = l.log[start].ID
	}
	return page, nil
}

// fakeViewport grows by a fixed height per entry.
type fakeViewport struct {
	height  float64
	top     float64
	renders int
}

func (v *fakeViewport) ContentHeight() float64 { return v.height }
func (v *fakeViewport) ScrollTop() float64     { return v.top }
func (v *fakeViewport) SetScrollTop(top float64) {
	v.top = top
}
func (v *fakeViewport) Render(entries []Entry) {
	v.renders++
	v.height = float64(len(entries)) * 10
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestTimelineReconcileThenHistoryDoesNotDuplicate(t *testing.T) {
	loader := newFakeLoader("a", "b", "r1")
	timeline := NewTimeline(loader, nil, 0)
	timeline.Reset("conversation")

	tempID := timeline.AppendOptimistic(Entry{Role: "user", Content: "hello", Status: "final"})
	require.True(t, strings.HasPrefix(tempID, tempIDPrefix))
	require.True(t, timeline.Entries()[0].Temp)

	require.True(t, timeline.ReconcileID(tempID, "r1"))
	added, err := timeline.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, []string{"a", "b", "r1"}, ids(timeline.Entries()))
	require.False(t, timeline.Entries()[2].Temp)
	require.False(t, timeline.HasMore())
}

func TestTimelineReconcileOntoExistingID(t *testing.T) {
	timeline := NewTimeline(newFakeLoader(), nil, 0)
	timeline.AppendConfirmed(Entry{ID: "r1", Role: "user", Content: "hello"})
	tempID := timeline.AppendOptimistic(Entry{Role: "user", Content: "hello"})

	require.True(t, timeline.ReconcileID(tempID, "r1"))
	require.Equal(t, []string{"r1"}, ids(timeline.Entries()))
	require.False(t, timeline.ReconcileID(tempID, "r1"))
}

func TestTimelineLoadOlderPagesBackwardAndAnchors(t *testing.T) {
	loader := newFakeLoader("1", "2", "3", "4", "5", "6", "7")
	viewport := &fakeViewport{}
	timeline := NewTimeline(loader, viewport, 3)
	timeline.Reset("conversation")
	ctx := context.Background()

	_, err := timeline.LoadOlder(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"5", "6", "7"}, ids(timeline.Entries()))

	// The reader is looking at the top of the loaded content.
	viewport.top = 5
	_, err = timeline.LoadOlder(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "4", "5", "6", "7"}, ids(timeline.Entries()))
	require.Equal(t, float64(35), viewport.top)
	require.True(t, timeline.HasMore())

	_, err = timeline.LoadOlder(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7"}, ids(timeline.Entries()))
	require.False(t, timeline.HasMore())

	added, err := timeline.LoadOlder(ctx)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Equal(t, 3, loader.calls)
}

func TestTimelineSingleLoadInFlight(t *testing.T) {
	loader := newFakeLoader("1", "2")
	loader.gate = make(chan struct{})
	timeline := NewTimeline(loader, nil, 0)
	timeline.Reset("conversation")

	done := make(chan int)
	go func() {
		added, _ := timeline.LoadOlder(context.Background())
		done <- added
	}()
	require.Eventually(t, func() bool {
		timeline.mu.Lock()
		defer timeline.mu.Unlock()
		return timeline.loading
	}, time.Second, time.Millisecond)

	added, err := timeline.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Zero(t, added)

	close(loader.gate)
	require.Equal(t, 2, <-done)
	require.Equal(t, 1, loader.calls)
}

func TestTimelineResetDiscardsInFlightLoad(t *testing.T) {
	loader := newFakeLoader("old")
	loader.gate = make(chan struct{})
	timeline := NewTimeline(loader, nil, 0)
	timeline.Reset("first")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = timeline.LoadOlder(context.Background())
	}()
	require.Eventually(t, func() bool {
		timeline.mu.Lock()
		defer timeline.mu.Unlock()
		return timeline.loading
	}, time.Second, time.Millisecond)

	timeline.Reset("second")
	close(loader.gate)
	<-done
	require.Empty(t, timeline.Entries())
	require.Equal(t, "second", timeline.ConversationID())
	require.True(t, timeline.HasMore())
}

func TestTimelineFragmentUpdatesPatchInPlace(t *testing.T) {
	timeline := NewTimeline(newFakeLoader(), nil, 0)
	userID := timeline.AppendOptimistic(Entry{Role: "user", Content: "hi"})
	timeline.AppendConfirmed(Entry{ID: "a1", Role: "assistant", Status: "streaming"})

	require.True(t, timeline.ApplyFragmentUpdate("a1", "Hel"))
	require.True(t, timeline.ApplyFragmentUpdate("a1", "Hello"))
	require.False(t, timeline.ApplyFragmentUpdate("missing", "x"))
	require.True(t, timeline.ReconcileID(userID, "u1"))
	require.True(t, timeline.Finalize("a1", "errored", "boom"))

	entries := timeline.Entries()
	require.Equal(t, []string{"u1", "a1"}, ids(entries))
	require.Equal(t, "Hello", entries[1].Content)
	require.Equal(t, "errored", entries[1].Status)
	require.Equal(t, "boom", entries[1].Error)

	// A confirmed duplicate patches rather than appends.
	timeline.AppendConfirmed(Entry{ID: "a1", Role: "assistant", Content: "Hello!", Status: "final"})
	require.Equal(t, []string{"u1", "a1"}, ids(timeline.Entries()))
	require.Equal(t, "Hello!", timeline.Entries()[1].Content)
}

func TestTimelineConfirmKeepsLoadedContent(t *testing.T) {
	loader := newFakeLoader("u1", "a1")
	loader.log[1].Role = "assistant"
	timeline := NewTimeline(loader, nil, 0)
	timeline.Reset("conversation")
	_, err := timeline.LoadOlder(context.Background())
	require.NoError(t, err)

	// The stream's headers can arrive after history already holds the turn.
	timeline.AppendConfirmed(Entry{ID: "a1", Role: "assistant", Status: "streaming"})
	entries := timeline.Entries()
	require.Equal(t, []string{"u1", "a1"}, ids(entries))
	require.Equal(t, "content a1", entries[1].Content)
	require.Equal(t, "final", entries[1].Status)

	require.True(t, timeline.ApplyFragmentUpdate("a1", "con"))
	require.Equal(t, "content a1", timeline.Entries()[1].Content)

	timeline.AppendConfirmed(Entry{ID: "a1", Role: "assistant", Status: "errored", Error: "boom"})
	entries = timeline.Entries()
	require.Equal(t, "content a1", entries[1].Content)
	require.Equal(t, "errored", entries[1].Status)
	require.Equal(t, "boom", entries[1].Error)
}
