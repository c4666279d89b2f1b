package exchange

import "errors"

var (
	// ErrConversationUnavailable means the conversation could not be resolved or
	// created. No turn was written.
	ErrConversationUnavailable = errors.New("conversation unavailable")
	// ErrConversationNotFound means the conversation does not exist or belongs to someone else.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrTurnAlreadyStreaming rejects a second coordinator on the same assistant turn.
	ErrTurnAlreadyStreaming = errors.New("turn already streaming")
	// ErrTurnNotStreaming means the turn is missing or already terminal.
	ErrTurnNotStreaming = errors.New("turn not streaming")
	// ErrGenerationFailed wraps a failure of the fragment source. The turn is errored
	// with its partial content preserved.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrPersistenceWriteFailed is surfaced only when the final write fails; the turn
	// stays streaming for recovery.
	ErrPersistenceWriteFailed = errors.New("persistence write failed")
	ErrEmptyContent           = errors.New("content is empty")
	ErrInvalidCursor          = errors.New("invalid cursor")
	ErrUnknownBackend         = errors.New("unknown generation backend")

	errIdleTimeout   = errors.New("no fragment received within idle timeout")
	errStreamTimeout = errors.New("stream exceeded maximum duration")
	errSendTimeout   = errors.New("caller stopped reading within send timeout")
)
