package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

const maxIDAttempts = 8

// Resume outcomes.
const (
	StatusCreated  = protocol.ResumeCreated
	StatusResumed  = protocol.ResumeResumed
	StatusNotFound = protocol.ResumeNotFound
)

type ManagerConfig struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
	// NewID overrides identifier generation in tests.
	NewID func() (mnemonic.ID, error)
}

// Manager applies conversation operations on top of a Store. Concurrent
// writers to one conversation are serialized in process; field updates are
// last-writer-wins and appends always accumulate.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() (mnemonic.ID, error)

	mu     sync.Mutex
	drafts map[string]struct{}
	locks  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() (mnemonic.ID, error) { return mnemonic.Generate(mnemonic.ConversationWords) }
	}
	return &Manager{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
		newID:  cfg.NewID,
		drafts: make(map[string]struct{}),
		locks:  make(map[string]*keyLock),
	}, nil
}

func (m *Manager) lock(id mnemonic.ID) func() {
	key := id.Key()
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) timestamp() time.Time { return m.now().UTC() }

// Draft reserves a fresh identifier for an unsaved conversation. The draft is
// written on its first mutation or by Create.
func (m *Manager) Draft(ctx context.Context, owner string, agent catalog.Agent) (Conversation, error) {
	for range maxIDAttempts {
		id, err := m.newID()
		if err != nil {
			return Conversation{}, err
		}
		m.mu.Lock()
		_, reserved := m.drafts[id.Key()]
		if !reserved {
			m.drafts[id.Key()] = struct{}{}
		}
		m.mu.Unlock()
		if reserved {
			continue
		}

		_, err = m.store.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			now := m.timestamp()
			return Conversation{
				ID:        id,
				Owner:     owner,
				AgentKey:  agent.Key,
				Family:    agent.ModelFamily,
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		case err != nil:
			m.Discard(id)
			return Conversation{}, err
		default:
			m.Discard(id)
		}
	}
	return Conversation{}, fmt.Errorf("allocate conversation id: %d attempts collided", maxIDAttempts)
}

// Discard releases a draft reservation. It is a no-op for persisted ids.
func (m *Manager) Discard(id mnemonic.ID) {
	m.mu.Lock()
	delete(m.drafts, id.Key())
	m.mu.Unlock()
}

// Create persists a draft.
func (m *Manager) Create(ctx context.Context, c Conversation) (Conversation, error) {
	if c.Persisted {
		return c, nil
	}
	unlock := m.lock(c.ID)
	defer unlock()
	return m.persist(ctx, c)
}

func (m *Manager) persist(ctx context.Context, c Conversation) (Conversation, error) {
	if err := m.store.Create(ctx, c); err != nil {
		return Conversation{}, fmt.Errorf("create conversation %s: %w", c.ID, err)
	}
	m.Discard(c.ID)
	c.Persisted = true
	m.logger.Debug("conversation created", "conversation_id", c.ID.String(), "owner", c.Owner)
	return c, nil
}

// Resume loads a live conversation owned by owner. Conversations owned by
// someone else are reported as not found.
func (m *Manager) Resume(ctx context.Context, owner string, id mnemonic.ID) (Conversation, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if c.Owner != owner || c.Deleted() {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// ResumeOrCreate resumes requested when it names a live conversation and
// otherwise drafts a new one. A miss is reported through the status, never
// as an error.
func (m *Manager) ResumeOrCreate(ctx context.Context, owner string, requested string, agent catalog.Agent) (Conversation, string, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		if id, err := mnemonic.ParseID(requested); err == nil {
			c, err := m.Resume(ctx, owner, id)
			switch {
			case err == nil:
				return c, StatusResumed, nil
			case !errors.Is(err, ErrNotFound):
				return Conversation{}, "", err
			}
		}
	}
	c, err := m.Draft(ctx, owner, agent)
	if err != nil {
		return Conversation{}, "", err
	}
	if requested != "" {
		return c, StatusNotFound, nil
	}
	return c, StatusCreated, nil
}

// mutate runs fn against the latest stored state of c, persisting a draft
// first.
func (m *Manager) mutate(ctx context.Context, c Conversation, fn func(*Conversation) error) (Conversation, error) {
	unlock := m.lock(c.ID)
	defer unlock()

	if !c.Persisted {
		persisted, err := m.persist(ctx, c)
		if err != nil {
			return Conversation{}, err
		}
		c = persisted
	} else {
		latest, err := m.store.Get(ctx, c.ID)
		if err != nil {
			return Conversation{}, err
		}
		if latest.Owner != c.Owner {
			return Conversation{}, ErrNotFound
		}
		c = latest
	}
	if err := fn(&c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (m *Manager) Rename(ctx context.Context, c Conversation, name string) (Change, error) {
	name = strings.TrimSpace(name)
	next, err := m.mutate(ctx, c, func(c *Conversation) error {
		if c.Deleted() {
			return ErrNotFound
		}
		c.Name = name
		c.UpdatedAt = m.timestamp()
		return m.store.Update(ctx, *c)
	})
	if err != nil {
		return Change{}, err
	}
	return Change{
		Conversation: next,
		Event:        protocol.ConversationRenamedEvent{SessionContext: next.Scope(protocol.RoleSystem), Name: next.Name},
	}, nil
}

// SetMetadata merges entries into the metadata. An empty value removes its key.
func (m *Manager) SetMetadata(ctx context.Context, c Conversation, entries map[string]string) (Change, error) {
	next, err := m.mutate(ctx, c, func(c *Conversation) error {
		if c.Deleted() {
			return ErrNotFound
		}
		merged := maps.Clone(c.Metadata)
		if merged == nil {
			merged = make(map[string]string, len(entries))
		}
		for k, v := range entries {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		c.Metadata = merged
		c.UpdatedAt = m.timestamp()
		return m.store.Update(ctx, *c)
	})
	if err != nil {
		return Change{}, err
	}
	return Change{
		Conversation: next,
		Event:        protocol.ConversationMetadataUpdatedEvent{SessionContext: next.Scope(protocol.RoleSystem), Metadata: maps.Clone(next.Metadata)},
	}, nil
}

// SetAgent switches the active agent. Switching to another model family is
// only allowed while the history is empty.
func (m *Manager) SetAgent(ctx context.Context, c Conversation, agent catalog.Agent) (Change, error) {
	next, err := m.mutate(ctx, c, func(c *Conversation) error {
		if c.Deleted() {
			return ErrNotFound
		}
		if len(c.Messages) > 0 && !strings.EqualFold(c.Family, agent.ModelFamily) {
			return fmt.Errorf("%w: history is %s, agent %q uses %s", ErrVendorMismatch, c.Family, agent.Key, agent.ModelFamily)
		}
		c.AgentKey = agent.Key
		c.Family = agent.ModelFamily
		c.UpdatedAt = m.timestamp()
		return m.store.Update(ctx, *c)
	})
	if err != nil {
		return Change{}, err
	}
	return Change{
		Conversation: next,
		Event:        protocol.AgentChangedEvent{SessionContext: next.Scope(protocol.RoleSystem), AgentKey: next.AgentKey, ModelFamily: next.Family},
	}, nil
}

// AppendMessages adds msgs to the history. Messages without a family are
// stamped with the conversation's; any other family is rejected.
func (m *Manager) AppendMessages(ctx context.Context, c Conversation, msgs ...Message) (Change, error) {
	if len(msgs) == 0 {
		return Change{}, fmt.Errorf("%w: no messages", ErrInvalidMessage)
	}
	next, err := m.mutate(ctx, c, func(c *Conversation) error {
		if c.Deleted() {
			return ErrNotFound
		}
		prepared := make([]Message, len(msgs))
		for i, msg := range msgs {
			if msg.Family == "" {
				msg.Family = c.Family
			}
			if !strings.EqualFold(msg.Family, c.Family) {
				return fmt.Errorf("%w: message is %s, conversation is %s", ErrVendorMismatch, msg.Family, c.Family)
			}
			if msg.Role == "" {
				return fmt.Errorf("%w: role is required", ErrInvalidMessage)
			}
			payload, err := compactJSON(msg.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			msg.Payload = payload
			prepared[i] = msg
		}
		now := m.timestamp()
		if err := m.store.Append(ctx, c.ID, prepared, now); err != nil {
			return err
		}
		c.Messages = append(c.Messages, prepared...)
		c.UpdatedAt = now
		msgs = prepared
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	return Change{
		Conversation: next,
		Event: protocol.MessagesAppendedEvent{
			SessionContext: next.Scope(msgs[0].Role),
			Messages:       wireMessages(msgs),
			Count:          len(next.Messages),
		},
	}, nil
}

// Delete soft-deletes the conversation. Deleting twice keeps the first
// timestamp.
func (m *Manager) Delete(ctx context.Context, c Conversation) (Change, error) {
	if !c.Persisted {
		m.Discard(c.ID)
		at := m.timestamp()
		c.DeletedAt = &at
		return Change{
			Conversation: c,
			Event:        protocol.ConversationDeletedEvent{SessionContext: c.Scope(protocol.RoleSystem), DeletedAt: at},
		}, nil
	}
	next, err := m.mutate(ctx, c, func(c *Conversation) error {
		if c.Deleted() {
			return nil
		}
		at := m.timestamp()
		c.DeletedAt = &at
		c.UpdatedAt = at
		return m.store.Update(ctx, *c)
	})
	if err != nil {
		return Change{}, err
	}
	return Change{
		Conversation: next,
		Event:        protocol.ConversationDeletedEvent{SessionContext: next.Scope(protocol.RoleSystem), DeletedAt: *next.DeletedAt},
	}, nil
}

func (m *Manager) List(ctx context.Context, owner string) ([]Summary, error) {
	return m.store.List(ctx, owner)
}

func compactJSON(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
