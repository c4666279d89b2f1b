package store

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation identifies a (participant, counterpart) pair and the generation backend in use.
type Conversation struct {
	ID            string
	OwnerID       string
	CounterpartID string
	Backend       string
	Title         string
	CreatedTs     int64
	UpdatedTs     int64
}

// Turn is a single message within a conversation.
type Turn struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Meta           TurnMeta
	// Revision increases with every write; stale writes are rejected by the log.
	Revision int64
	// CreatedTs is in unix microseconds and, with ID, forms the order key.
	CreatedTs int64
	UpdatedTs int64
}

// Status returns the status carried by the turn's metadata variant.
func (t *Turn) Status() TurnStatus {
	if t.Meta == nil {
		return StatusFinal
	}
	return t.Meta.Status()
}

// OrderKey returns the turn's position in the conversation's total order.
func (t *Turn) OrderKey() OrderKey {
	return OrderKey{Ts: t.CreatedTs, ID: t.ID}
}

// OrderKey totally orders turns within a conversation: by timestamp, then by id.
type OrderKey struct {
	Ts int64
	ID string
}

// Less reports whether k sorts strictly before o.
func (k OrderKey) Less(o OrderKey) bool {
	if k.Ts != o.Ts {
		return k.Ts < o.Ts
	}
	return strings.Compare(k.ID, o.ID) < 0
}

// Bytes encodes the key so that byte order equals key order.
func (k OrderKey) Bytes() []byte {
	buf := make([]byte, 8, 8+len(k.ID))
	binary.BigEndian.PutUint64(buf, uint64(k.Ts))
	return append(buf, k.ID...)
}

// ParseOrderKey decodes a key produced by OrderKey.Bytes.
func ParseOrderKey(b []byte) (OrderKey, bool) {
	if len(b) < 8 {
		return OrderKey{}, false
	}
	return OrderKey{
		Ts: int64(binary.BigEndian.Uint64(b[:8])),
		ID: string(bytes.Clone(b[8:])),
	}, true
}

// FindConversation filters for ListConversations.
type FindConversation struct {
	ID            *string
	OwnerID       *string
	CounterpartID *string
	Backend       *string
}

// UpdateConversation carries fields accepted by UpdateConversation.
type UpdateConversation struct {
	ID    string
	Title *string
	// UpdatedTs touches the conversation when set.
	UpdatedTs *int64
}

// CreateExchange is the payload for CreateExchange: one user turn and its assistant turn.
type CreateExchange struct {
	ConversationID  string
	UserTurnID      string
	AssistantTurnID string
	UserContent     string
	// NowTs is the allocation time in unix microseconds.
	NowTs         int64
	AssistantMeta *StreamingMeta
}

// FindTurn filters for ListTurns.
type FindTurn struct {
	ConversationID string
	Role           *Role
	Status         *TurnStatus
	// Before restricts the scan to turns strictly older than the key.
	Before *OrderKey
	// Limit of zero means unbounded.
	Limit int
	// Desc orders newest first.
	Desc bool
}

// UpdateTurn replaces the content and metadata of a streaming turn.
// The write applies only if the stored turn is still streaming and its revision is lower.
type UpdateTurn struct {
	ID       string
	Content  string
	Meta     TurnMeta
	Revision int64
	// UpdatedTs in unix microseconds.
	UpdatedTs int64
}

// DeleteTurn removes every turn of a conversation.
type DeleteTurn struct {
	ConversationID string
}

// NextOrderTs returns the allocation timestamp for a new turn: the current time, unless
// the conversation already holds a turn at or after it, in which case just past the newest.
func NextOrderTs(nowTs int64, newestTs int64, hasNewest bool) int64 {
	if hasNewest && nowTs <= newestTs {
		return newestTs + 1
	}
	return nowTs
}

// NewExchangeTurns builds the user and assistant turns of an exchange placed after the newest turn.
func NewExchangeTurns(create *CreateExchange, newestTs int64, hasNewest bool) (*Turn, *Turn, error) {
	if create.NowTs <= 0 {
		return nil, nil, errors.New("exchange requires an allocation time")
	}
	userTs := NextOrderTs(create.NowTs, newestTs, hasNewest)
	meta := StreamingMeta{}
	if create.AssistantMeta != nil {
		meta = *create.AssistantMeta
	}
	user := &Turn{
		ID:             create.UserTurnID,
		ConversationID: create.ConversationID,
		Role:           RoleUser,
		Content:        create.UserContent,
		Meta:           FinalMeta{},
		CreatedTs:      userTs,
		UpdatedTs:      userTs,
	}
	assistant := &Turn{
		ID:             create.AssistantTurnID,
		ConversationID: create.ConversationID,
		Role:           RoleAssistant,
		Meta:           meta,
		CreatedTs:      userTs + 1,
		UpdatedTs:      userTs + 1,
	}
	return user, assistant, nil
}
