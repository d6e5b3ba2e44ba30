package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

var (
	anthropicAgent = catalog.Agent{Key: "echo", ModelFamily: FamilyAnthropic, Default: true}
	openAIAgent    = catalog.Agent{Key: "echo-openai", ModelFamily: FamilyOpenAI}
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, err := NewManager(ManagerConfig{Store: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return m
}

func TestManager_ResumeOrCreate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	draft, status, err := m.ResumeOrCreate(ctx, "alice", "", anthropicAgent)
	if err != nil || status != StatusCreated {
		t.Fatalf("status=%q err=%v", status, err)
	}
	if draft.Persisted || len(draft.ID.Segments()) != 1 || draft.Family != FamilyAnthropic {
		t.Fatalf("draft=%+v", draft)
	}
	if _, err := m.List(ctx, "alice"); err != nil {
		t.Fatalf("List error: %v", err)
	}

	msg, _ := TextMessage(FamilyAnthropic, protocol.RoleUser, "hello")
	change, err := m.AppendMessages(ctx, draft, msg)
	if err != nil {
		t.Fatalf("AppendMessages error: %v", err)
	}
	if !change.Conversation.Persisted {
		t.Fatalf("first mutation should persist the draft")
	}

	resumed, status, err := m.ResumeOrCreate(ctx, "alice", draft.ID.String(), anthropicAgent)
	if err != nil || status != StatusResumed {
		t.Fatalf("status=%q err=%v", status, err)
	}
	if len(resumed.Messages) != 1 || string(resumed.Messages[0].Payload) != string(msg.Payload) {
		t.Fatalf("resumed history=%+v", resumed.Messages)
	}

	fresh, status, err := m.ResumeOrCreate(ctx, "alice", "never-seen", anthropicAgent)
	if err != nil || status != StatusNotFound || fresh.ID == "never-seen" || len(fresh.Messages) != 0 {
		t.Fatalf("fresh=%+v status=%q err=%v", fresh, status, err)
	}
	if _, status, _ := m.ResumeOrCreate(ctx, "alice", "not a valid id!", anthropicAgent); status != StatusNotFound {
		t.Fatalf("malformed id status=%q, want not_found", status)
	}
	if _, status, _ := m.ResumeOrCreate(ctx, "mallory", draft.ID.String(), anthropicAgent); status != StatusNotFound {
		t.Fatalf("foreign owner status=%q, want not_found", status)
	}
}

func TestManager_DraftAvoidsCollisions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ids := []mnemonic.ID{"taken-word", "taken-word", "free-word"}
	var calls int
	m, _ := NewManager(ManagerConfig{Store: store, NewID: func() (mnemonic.ID, error) {
		id := ids[calls%len(ids)]
		calls++
		return id, nil
	}})
	_ = store.Create(ctx, Conversation{ID: "taken-word", Owner: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()})

	c, err := m.Draft(ctx, "alice", anthropicAgent)
	if err != nil {
		t.Fatalf("Draft error: %v", err)
	}
	if c.ID != "free-word" {
		t.Fatalf("id=%q, want free-word", c.ID)
	}

	calls = 2
	if _, err := m.Draft(ctx, "alice", anthropicAgent); err == nil {
		t.Fatalf("expected reserved draft ids to be skipped until attempts run out")
	}
}

func TestManager_VendorFamilyIsolation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())
	c, _ := m.Draft(ctx, "alice", anthropicAgent)

	change, err := m.SetAgent(ctx, c, openAIAgent)
	if err != nil {
		t.Fatalf("SetAgent on empty history error: %v", err)
	}
	c = change.Conversation
	ev, ok := change.Event.(protocol.AgentChangedEvent)
	if !ok || ev.ModelFamily != FamilyOpenAI || ev.SessionID != c.ID.String() {
		t.Fatalf("event=%#v", change.Event)
	}

	wrong, _ := TextMessage(FamilyAnthropic, protocol.RoleUser, "hi")
	if _, err := m.AppendMessages(ctx, c, wrong); !errors.Is(err, ErrVendorMismatch) {
		t.Fatalf("err=%v, want ErrVendorMismatch", err)
	}
	unstamped := Message{Role: protocol.RoleUser, Payload: json.RawMessage(`{ "role": "user", "content": "hi" }`)}
	change, err = m.AppendMessages(ctx, c, unstamped)
	if err != nil {
		t.Fatalf("AppendMessages error: %v", err)
	}
	c = change.Conversation
	if c.Messages[0].Family != FamilyOpenAI || string(c.Messages[0].Payload) != `{"role":"user","content":"hi"}` {
		t.Fatalf("stored=%+v", c.Messages[0])
	}

	if _, err := m.SetAgent(ctx, c, anthropicAgent); !errors.Is(err, ErrVendorMismatch) {
		t.Fatalf("err=%v, want ErrVendorMismatch once history exists", err)
	}
	if _, err := m.AppendMessages(ctx, c, Message{Role: protocol.RoleUser, Payload: json.RawMessage(`{bad`)}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err=%v, want ErrInvalidMessage", err)
	}
}

func TestManager_RenameMetadataDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())
	c, _ := m.Draft(ctx, "alice", anthropicAgent)

	change, err := m.Rename(ctx, c, "  Weekend  ")
	if err != nil {
		t.Fatalf("Rename error: %v", err)
	}
	if ev := change.Event.(protocol.ConversationRenamedEvent); ev.Name != "Weekend" || ev.Role != protocol.RoleSystem {
		t.Fatalf("event=%+v", ev)
	}
	c = change.Conversation

	change, _ = m.SetMetadata(ctx, c, map[string]string{"a": "1", "b": "2"})
	change, err = m.SetMetadata(ctx, change.Conversation, map[string]string{"a": "", "c": "3"})
	if err != nil {
		t.Fatalf("SetMetadata error: %v", err)
	}
	md := change.Event.(protocol.ConversationMetadataUpdatedEvent).Metadata
	if len(md) != 2 || md["b"] != "2" || md["c"] != "3" {
		t.Fatalf("metadata=%v", md)
	}

	first, err := m.Delete(ctx, change.Conversation)
	if err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	second, err := m.Delete(ctx, first.Conversation)
	if err != nil {
		t.Fatalf("second Delete error: %v", err)
	}
	if !first.Conversation.DeletedAt.Equal(*second.Conversation.DeletedAt) {
		t.Fatalf("delete is not idempotent: %v vs %v", first.Conversation.DeletedAt, second.Conversation.DeletedAt)
	}
	if _, err := m.Resume(ctx, "alice", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want deleted conversation hidden", err)
	}
	if list, _ := m.List(ctx, "alice"); len(list) != 0 {
		t.Fatalf("list=%+v, want deleted excluded", list)
	}
	if _, err := m.Rename(ctx, first.Conversation, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound after delete", err)
	}
}

// Two connections on one conversation: appends accumulate, fields follow the
// last write.
func TestManager_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())
	c, _ := m.Draft(ctx, "alice", anthropicAgent)
	c, _ = m.Create(ctx, c)

	tabA, _ := m.Resume(ctx, "alice", c.ID)
	tabB, _ := m.Resume(ctx, "alice", c.ID)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tab := tabA
			if i%2 == 1 {
				tab = tabB
			}
			msg, _ := TextMessage(FamilyAnthropic, protocol.RoleUser, "msg")
			if _, err := m.AppendMessages(ctx, tab, msg); err != nil {
				t.Errorf("AppendMessages error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	_, _ = m.Rename(ctx, tabA, "from A")
	change, _ := m.Rename(ctx, tabB, "from B")
	if change.Conversation.Name != "from B" || len(change.Conversation.Messages) != 20 {
		t.Fatalf("name=%q messages=%d", change.Conversation.Name, len(change.Conversation.Messages))
	}
}

func TestVendorMessages(t *testing.T) {
	for _, family := range []string{FamilyAnthropic, FamilyOpenAI, FamilyGemini, "custom"} {
		msg, err := TextMessage(family, protocol.RoleAssistant, "hi there")
		if err != nil {
			t.Fatalf("%s: TextMessage error: %v", family, err)
		}
		if got := MessageText(msg); got != "hi there" {
			t.Fatalf("%s: MessageText=%q payload=%s", family, got, msg.Payload)
		}
	}
	gem, _ := TextMessage(FamilyGemini, protocol.RoleAssistant, "x")
	if string(gem.Payload) != `{"role":"model","parts":[{"text":"x"}]}` {
		t.Fatalf("gemini payload=%s", gem.Payload)
	}
}

func TestConversation_WireEmptyHistoryIsArray(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	draft, err := m.Draft(context.Background(), "ada", anthropicAgent)
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	data, err := json.Marshal(draft.Wire())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(got.Messages) != "[]" {
		t.Fatalf("messages=%s, want []", got.Messages)
	}
}
