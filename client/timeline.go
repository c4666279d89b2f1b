package client

import (
	"context"
	"slices"
	"sync"

	"github.com/lithammer/shortuuid/v4"
)

const (
	// DefaultTimelinePageSize is the number of turns fetched per LoadOlder.
	DefaultTimelinePageSize = 15

	tempIDPrefix = "temp_"

	statusStreaming = "streaming"
)

// Entry is one turn in the caller's view.
type Entry struct {
	ID      string
	Role    string
	Content string
	Status  string
	// Error is the failure text of an errored turn.
	Error string
	// Temp marks an optimistic entry whose server id is not known yet.
	Temp bool
}

// PageLoader fetches history pages. *Client implements it.
type PageLoader interface {
	History(ctx context.Context, conversationID, cursor string, limit int) (*Page, error)
}

// Viewport is the rendering surface the timeline keeps anchored while older
// turns are prepended. Its methods must not call back into the Timeline.
type Viewport interface {
	ContentHeight() float64
	ScrollTop() float64
	SetScrollTop(top float64)
	Render(entries []Entry)
}

type nopViewport struct{}

func (nopViewport) ContentHeight() float64 { return 0 }
func (nopViewport) ScrollTop() float64     { return 0 }
func (nopViewport) SetScrollTop(float64)   {}
func (nopViewport) Render([]Entry)         {}

// Timeline is the ordered, id-deduplicated view of one conversation. Entries keep
// their insertion position; later reconciliation only patches ids and content in place.
type Timeline struct {
	loader   PageLoader
	viewport Viewport
	pageSize int

	mu             sync.Mutex
	conversationID string
	entries        []*Entry
	cursor         string
	hasMore        bool
	loading        bool
	// generation is bumped by Reset so a load started before it is discarded.
	generation uint64
}

// NewTimeline returns an empty timeline. A nil viewport disables anchoring; pageSize <= 0 uses the default.
func NewTimeline(loader PageLoader, viewport Viewport, pageSize int) *Timeline {
	if viewport == nil {
		viewport = nopViewport{}
	}
	if pageSize <= 0 {
		pageSize = DefaultTimelinePageSize
	}
	return &Timeline{loader: loader, viewport: viewport, pageSize: pageSize, hasMore: true}
}

func (t *Timeline) indexOf(id string) int {
	return slices.IndexFunc(t.entries, func(e *Entry) bool { return e.ID == id })
}

func (t *Timeline) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// LoadOlder prepends the page before the oldest loaded turn, skipping ids already
// present, and restores the viewport's scroll position relative to the content that
// was visible. It returns the number of entries added. A call made while another
// load is in flight, or after history is exhausted, does nothing.
func (t *Timeline) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.loading || !t.hasMore || t.conversationID == "" {
		t.mu.Unlock()
		return 0, nil
	}
	t.loading = true
	generation, conversationID, cursor := t.generation, t.conversationID, t.cursor
	beforeHeight, beforeTop := t.viewport.ContentHeight(), t.viewport.ScrollTop()
	t.mu.Unlock()

	page, err := t.loader.History(ctx, conversationID, cursor, t.pageSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	if generation != t.generation {
		return 0, nil
	}
	t.loading = false
	if err != nil {
		return 0, err
	}

	older := make([]*Entry, 0, len(page.Turns))
	for _, turn := range page.Turns {
		if t.indexOf(turn.ID) >= 0 || slices.ContainsFunc(older, func(e *Entry) bool { return e.ID == turn.ID }) {
			continue
		}
		older = append(older, &Entry{ID: turn.ID, Role: turn.Role, Content: turn.Content, Status: turn.Status})
	}
	t.entries = append(older, t.entries...)
	t.hasMore = page.HasMore
	if page.HasMore {
		t.cursor = page.NextCursor
	}

	t.viewport.Render(t.snapshot())
	delta := t.viewport.ContentHeight() - beforeHeight
	t.viewport.SetScrollTop(beforeTop + delta)
	return len(older), nil
}

// AppendOptimistic appends an entry under a fresh temporary id and returns it.
func (t *Timeline) AppendOptimistic(entry Entry) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.ID = tempIDPrefix + shortuuid.New()
	entry.Temp = true
	t.entries = append(t.entries, &entry)
	t.viewport.Render(t.snapshot())
	return entry.ID
}

// AppendConfirmed appends a server-identified entry, or patches it in place when
// its id is already present. Empty fields leave the present entry alone, and a
// settled entry never goes back to streaming.
func (t *Timeline) AppendConfirmed(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.Temp = false
	if i := t.indexOf(entry.ID); i >= 0 {
		existing := t.entries[i]
		if entry.Content != "" {
			existing.Content = entry.Content
		}
		if entry.Status != "" && (entry.Status != statusStreaming || existing.Status == "" || existing.Status == statusStreaming) {
			existing.Status = entry.Status
		}
		if entry.Error != "" {
			existing.Error = entry.Error
		}
	} else {
		t.entries = append(t.entries, &entry)
	}
	t.viewport.Render(t.snapshot())
}

// ReconcileID replaces a temporary id with the server id without moving the entry.
// When realID is already present the temporary entry is dropped instead.
func (t *Timeline) ReconcileID(tempID, realID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(tempID)
	if i < 0 {
		return false
	}
	if t.indexOf(realID) >= 0 {
		t.entries = slices.Delete(t.entries, i, i+1)
	} else {
		t.entries[i].ID = realID
		t.entries[i].Temp = false
	}
	t.viewport.Render(t.snapshot())
	return true
}

// ApplyFragmentUpdate replaces the content of the entry with the full text so far.
// A settled entry only takes text longer than what it holds.
func (t *Timeline) ApplyFragmentUpdate(id, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	e := t.entries[i]
	if e.Status != statusStreaming && len(content) <= len(e.Content) {
		return true
	}
	e.Content = content
	t.viewport.Render(t.snapshot())
	return true
}

// Finalize records the terminal status of an entry.
func (t *Timeline) Finalize(id, status, errText string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.entries[i].Status = status
	t.entries[i].Error = errText
	t.viewport.Render(t.snapshot())
	return true
}

// Reset clears the view and switches it to conversationID. An in-flight load is discarded.
func (t *Timeline) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
	t.entries = nil
	t.cursor = ""
	t.hasMore = true
	t.loading = false
	t.generation++
	t.viewport.Render(nil)
}

// bind attaches a timeline that has no conversation yet, keeping its entries.
func (t *Timeline) bind(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversationID == "" {
		t.conversationID = conversationID
	}
}

func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// HasMore reports whether older history may remain.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}
