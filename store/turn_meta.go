package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	StatusFinal       TurnStatus = "final"
	StatusStreaming   TurnStatus = "streaming"
	StatusInterrupted TurnStatus = "interrupted"
	StatusErrored     TurnStatus = "errored"
)

// IsTerminal reports whether no further transition is allowed.
func (s TurnStatus) IsTerminal() bool {
	return s != StatusStreaming
}

// TurnMeta is the generation metadata of a turn. Each variant carries only the
// fields relevant to its status.
type TurnMeta interface {
	Status() TurnStatus
	isTurnMeta()
}

// FinalMeta marks a completed turn. User and system turns carry an empty FinalMeta.
type FinalMeta struct {
	Model         string `json:"model,omitempty"`
	CompletedTs   int64  `json:"completedTs,omitempty"`
	TokenEstimate int32  `json:"tokenEstimate,omitempty"`
}

// StreamingMeta marks an assistant turn whose content is still being produced.
type StreamingMeta struct {
	Model string `json:"model,omitempty"`
	// LeaseOwner identifies the coordinator writing the turn; empty until one starts.
	LeaseOwner string `json:"leaseOwner,omitempty"`
	// LeaseExpiresTs in unix microseconds; zero means no lease was recorded.
	LeaseExpiresTs int64 `json:"leaseExpiresTs,omitempty"`
	StartedTs      int64 `json:"startedTs,omitempty"`
}

// InterruptedMeta marks a turn repaired by recovery after its stream died.
type InterruptedMeta struct {
	RecoveredTs int64 `json:"recoveredTs"`
	// PartialContent is false when the sentinel replaced empty content.
	PartialContent bool `json:"partialContent"`
}

// ErroredMeta marks a turn whose generation failed.
type ErroredMeta struct {
	Model    string `json:"model,omitempty"`
	Error    string `json:"error"`
	FailedTs int64  `json:"failedTs"`
}

func (FinalMeta) Status() TurnStatus       { return StatusFinal }
func (StreamingMeta) Status() TurnStatus   { return StatusStreaming }
func (InterruptedMeta) Status() TurnStatus { return StatusInterrupted }
func (ErroredMeta) Status() TurnStatus     { return StatusErrored }

func (FinalMeta) isTurnMeta()       {}
func (StreamingMeta) isTurnMeta()   {}
func (InterruptedMeta) isTurnMeta() {}
func (ErroredMeta) isTurnMeta()     {}

// LeaseExpired reports whether the stream owning the turn may be presumed dead.
func (m StreamingMeta) LeaseExpired(nowTs int64) bool {
	return m.LeaseExpiresTs == 0 || nowTs >= m.LeaseExpiresTs
}

// MarshalTurnMeta returns the status column and the JSON metadata column for meta.
func MarshalTurnMeta(meta TurnMeta) (TurnStatus, string, error) {
	if meta == nil {
		meta = FinalMeta{}
	}
	var v any
	switch m := meta.(type) {
	case FinalMeta, StreamingMeta, InterruptedMeta, ErroredMeta:
		v = m
	case *FinalMeta:
		v = *m
	case *StreamingMeta:
		v = *m
	case *InterruptedMeta:
		v = *m
	case *ErroredMeta:
		v = *m
	default:
		return "", "", errors.Errorf("unknown turn metadata %T", meta)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal turn metadata")
	}
	return meta.Status(), string(raw), nil
}

// UnmarshalTurnMeta decodes the metadata column into the variant selected by status.
func UnmarshalTurnMeta(status TurnStatus, raw string) (TurnMeta, error) {
	if raw == "" {
		raw = "{}"
	}
	var (
		meta TurnMeta
		err  error
	)
	switch status {
	case StatusFinal:
		var m FinalMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case StatusStreaming:
		var m StreamingMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case StatusInterrupted:
		var m InterruptedMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case StatusErrored:
		var m ErroredMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	default:
		return nil, errors.Errorf("unknown turn status %q", status)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s turn metadata", status)
	}
	return meta, nil
}
