package client

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrSendInFlight rejects a Send while the session's previous message is still streaming.
var ErrSendInFlight = errors.New("a message is already being sent")

// Session drives exchanges with one counterpart and mirrors them into a Timeline.
type Session struct {
	client        *Client
	timeline      *Timeline
	counterpartID string
	backend       string
	sending       atomic.Bool
}

// NewSession starts a session. conversationID may be empty until the first exchange.
func NewSession(c *Client, timeline *Timeline, counterpartID, backend, conversationID string) *Session {
	if conversationID != "" {
		timeline.Reset(conversationID)
	}
	return &Session{client: c, timeline: timeline, counterpartID: counterpartID, backend: backend}
}

func (s *Session) Timeline() *Timeline { return s.timeline }

// Send posts content, then follows the reply until the stream ends. It returns the
// assistant turn's final status as reported by the server. Send fails with
// ErrSendInFlight while an earlier Send on the session has not returned.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	if !s.sending.CompareAndSwap(false, true) {
		return "", ErrSendInFlight
	}
	defer s.sending.Store(false)

	tempID := s.timeline.AppendOptimistic(Entry{Role: "user", Content: content, Status: "final"})

	stream, err := s.client.StartExchange(ctx, ExchangeRequest{
		CounterpartID: s.counterpartID,
		Content:       content,
		Backend:       s.backend,
	})
	if err != nil {
		s.timeline.Finalize(tempID, "errored", err.Error())
		return "errored", err
	}
	defer stream.Close()

	s.timeline.bind(stream.ConversationID)
	s.timeline.ReconcileID(tempID, stream.UserTurnID)
	s.timeline.AppendConfirmed(Entry{ID: stream.AssistantTurnID, Role: "assistant", Status: "streaming"})

	var reply strings.Builder
	for fragment, err := range stream.Fragments() {
		if err != nil {
			// The server keeps generating; history shows the outcome on the next load.
			return "streaming", err
		}
		reply.WriteString(fragment)
		s.timeline.ApplyFragmentUpdate(stream.AssistantTurnID, reply.String())
	}
	status, errText := stream.Result()
	s.timeline.Finalize(stream.AssistantTurnID, status, errText)
	return status, nil
}
