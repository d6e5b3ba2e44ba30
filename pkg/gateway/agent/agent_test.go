package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

type recordingSink struct {
	deltas   []string
	messages []conversations.Message
	events   []string
}

func (s *recordingSink) TextDelta(text string) error {
	s.deltas = append(s.deltas, text)
	return nil
}

func (s *recordingSink) Message(m conversations.Message) error {
	s.messages = append(s.messages, m)
	return nil
}

func (s *recordingSink) Event(name string, _ json.RawMessage) error {
	s.events = append(s.events, name)
	return nil
}

func TestEcho_RepliesInAgentFamily(t *testing.T) {
	sink := &recordingSink{}
	req := TurnRequest{Agent: catalog.Agent{Key: "echo", ModelFamily: conversations.FamilyGemini}, Text: "good morning"}
	if err := (Echo{}).RunTurn(context.Background(), req, sink); err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if got := strings.Join(sink.deltas, ""); got != "You said: good morning" {
		t.Fatalf("deltas=%q", got)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("messages=%d", len(sink.messages))
	}
	msg := sink.messages[0]
	if msg.Role != protocol.RoleAssistant || msg.Family != conversations.FamilyGemini || conversations.MessageText(msg) != "You said: good morning" {
		t.Fatalf("message=%+v payload=%s", msg, msg.Payload)
	}
	if len(sink.events) != 1 || sink.events[0] != "echo_started" {
		t.Fatalf("events=%v", sink.events)
	}
}

func TestEcho_ReadsInputMessage(t *testing.T) {
	sink := &recordingSink{}
	input, _ := conversations.TextMessage(conversations.FamilyAnthropic, protocol.RoleUser, "from history")
	req := TurnRequest{Agent: catalog.Agent{ModelFamily: conversations.FamilyAnthropic}, Input: input}
	if err := (Echo{}).RunTurn(context.Background(), req, sink); err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if got := strings.Join(sink.deltas, ""); got != "You said: from history" {
		t.Fatalf("deltas=%q", got)
	}
}

func TestEcho_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := (Echo{Delay: time.Second}).RunTurn(ctx, TurnRequest{Text: "a b c"}, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("canceled turn should not record a message")
	}
}
