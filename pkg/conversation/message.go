package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMessageType is the message type assumed whenever a message carries
// no explicit type tag.
const DefaultMessageType = "message"

// BasicMessage is the ephemeral, adapter-facing normal form of a message.
// It is never persisted; adapters consume it to shape provider requests,
// and the transcript codec serializes lists of it.
type BasicMessage struct {
	// Author is the canonical participant key (user, assistant, system, ...).
	Author string `json:"author"`
	Text   string `json:"text"`
	// Type defaults to DefaultMessageType when empty.
	Type string `json:"type,omitempty"`
}

// EffectiveType returns the message type, falling back to DefaultMessageType.
func (m BasicMessage) EffectiveType() string {
	if m.Type == "" {
		return DefaultMessageType
	}
	return m.Type
}

// Message is a single persisted node in the conversation tree.
//
// ParentMessageID is empty for root messages; otherwise it references an
// existing id in the same conversation. Nodes are only ever appended, never
// deleted, and never mutated in place once persisted except for the
// transient Unvisited flag.
type Message struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	// Role is the display label of the participant, not its canonical key.
	Role    string `json:"role"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	// Details holds the raw adapter payload for the turn, when one exists.
	Details json.RawMessage `json:"details,omitempty"`
	// StopReason records why generation ended; for salvaged partial
	// completions it carries the triggering error.
	StopReason string `json:"stopReason,omitempty"`
	Unvisited  bool   `json:"unvisited,omitempty"`
}

// NewID mints a fresh message or conversation id.
func NewID() string {
	return uuid.New().String()
}

type MessageOption func(*Message)

func WithType(messageType string) MessageOption {
	return func(m *Message) {
		m.Type = messageType
	}
}

func WithDetails(details json.RawMessage) MessageOption {
	return func(m *Message) {
		m.Details = details
	}
}

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithStopReason(stopReason string) MessageOption {
	return func(m *Message) {
		m.StopReason = stopReason
	}
}

func WithUnvisited() MessageOption {
	return func(m *Message) {
		m.Unvisited = true
	}
}

// NewMessage creates a conversation node with a fresh id under parentID.
func NewMessage(role string, text string, parentID string, options ...MessageOption) Message {
	ret := Message{
		ID:              NewID(),
		ParentMessageID: parentID,
		Role:            role,
		Message:         text,
	}
	for _, option := range options {
		option(&ret)
	}
	return ret
}

// Fork clones msg as a new sibling with mutated text: a new id under the
// same parent. Details are not carried over since the text no longer
// corresponds to the original adapter payload.
func Fork(msg Message, text string) Message {
	return Message{
		ID:              NewID(),
		ParentMessageID: msg.ParentMessageID,
		Role:            msg.Role,
		Message:         text,
		Type:            msg.Type,
	}
}

// MergeUp builds a new sibling of parent whose text concatenates parent and
// child, inheriting the parent's role and type.
func MergeUp(parent, child Message) Message {
	return Message{
		ID:              NewID(),
		ParentMessageID: parent.ParentMessageID,
		Role:            parent.Role,
		Message:         parent.Message + "\n" + child.Message,
		Type:            parent.Type,
	}
}

// Record is the persisted conversation shape stored under one cache key.
// The JSON layout is shared with external export/import tooling and must
// not change.
type Record struct {
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
}

// NewRecord returns an empty conversation record stamped with the current
// time in epoch milliseconds.
func NewRecord() *Record {
	return &Record{
		Messages:  []Message{},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// LastMessageID returns the id of the most recently appended message, or
// the empty string for an empty record.
func (r *Record) LastMessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].ID
}
