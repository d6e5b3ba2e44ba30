package conversations

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

// Store persists conversations. Identifiers are matched case-insensitively.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts c with its messages. It fails with ErrExists when the
	// identifier is taken.
	Create(ctx context.Context, c Conversation) error
	// Get returns the conversation including soft-deleted ones.
	Get(ctx context.Context, id mnemonic.ID) (Conversation, error)
	// Update writes every field except the message history.
	Update(ctx context.Context, c Conversation) error
	// Append adds messages after the existing history.
	Append(ctx context.Context, id mnemonic.ID, msgs []Message, updatedAt time.Time) error
	// List returns the owner's live conversations, most recently updated first.
	List(ctx context.Context, owner string) ([]Summary, error)
	Close() error
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]Conversation)}
}

func (s *MemoryStore) Create(ctx context.Context, c Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID.Key()]; ok {
		return ErrExists
	}
	c = c.Clone()
	c.Persisted = true
	s.convs[c.ID.Key()] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id mnemonic.ID) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id.Key()]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, c Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[c.ID.Key()]
	if !ok {
		return ErrNotFound
	}
	next := c.Clone()
	next.ID = cur.ID
	next.Messages = cur.Messages
	next.CreatedAt = cur.CreatedAt
	next.Persisted = true
	s.convs[c.ID.Key()] = next
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, id mnemonic.ID, msgs []Message, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[id.Key()]
	if !ok {
		return ErrNotFound
	}
	for _, m := range msgs {
		m.Payload = append(json.RawMessage(nil), m.Payload...)
		cur.Messages = append(cur.Messages, m)
	}
	cur.UpdatedAt = updatedAt
	s.convs[id.Key()] = cur
	return nil
}

func (s *MemoryStore) List(ctx context.Context, owner string) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Summary, 0)
	for _, c := range s.convs {
		if c.Owner != owner || c.Deleted() {
			continue
		}
		out = append(out, Summary{ID: c.ID, Name: c.Name, AgentKey: c.AgentKey, MessageCount: len(c.Messages), UpdatedAt: c.UpdatedAt})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.Key(), b.ID.Key())
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
