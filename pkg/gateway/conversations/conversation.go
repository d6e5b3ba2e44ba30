// Package conversations owns durable, resumable conversations: their message
// history, display state, and soft deletion.
package conversations

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrExists         = errors.New("conversation already exists")
	ErrVendorMismatch = errors.New("message family does not match conversation")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is one history entry. Payload is stored and returned byte for byte.
type Message struct {
	Role    protocol.Role
	Family  string
	Payload json.RawMessage
}

type Conversation struct {
	ID       mnemonic.ID
	Owner    string
	Name     string
	Metadata map[string]string
	AgentKey string
	// Family is the model family every message in the history is formatted for.
	Family    string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	// Persisted is false for a draft that has not been written yet.
	Persisted bool
}

func (c Conversation) Deleted() bool { return c.DeletedAt != nil }

func (c Conversation) Clone() Conversation {
	out := c
	out.Metadata = maps.Clone(c.Metadata)
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			m.Payload = append(json.RawMessage(nil), m.Payload...)
			out.Messages[i] = m
		}
	}
	if c.DeletedAt != nil {
		at := *c.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// Scope is the context carried by events about this conversation.
func (c Conversation) Scope(role protocol.Role) protocol.SessionContext {
	return protocol.SessionContext{SessionID: c.ID.String(), Role: role}
}

// Wire renders the conversation for conversation_state.
func (c Conversation) Wire() protocol.Conversation {
	return protocol.Conversation{
		ID:          c.ID.String(),
		Name:        c.Name,
		Metadata:    maps.Clone(c.Metadata),
		AgentKey:    c.AgentKey,
		ModelFamily: c.Family,
		Messages:    wireMessages(c.Messages),
		Persisted:   c.Persisted,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func wireMessages(msgs []Message) []protocol.Message {
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = protocol.Message{Role: m.Role, Family: m.Family, Payload: m.Payload}
	}
	return out
}

// Summary is a listing row.
type Summary struct {
	ID           mnemonic.ID
	Name         string
	AgentKey     string
	MessageCount int
	UpdatedAt    time.Time
}

func (s Summary) Wire() protocol.ConversationSummary {
	return protocol.ConversationSummary{
		ID:           s.ID.String(),
		Name:         s.Name,
		AgentKey:     s.AgentKey,
		MessageCount: s.MessageCount,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Change is the result of a successful mutation: the new state and the
// notification announcing it.
type Change struct {
	Conversation Conversation
	Event        protocol.Event
}
