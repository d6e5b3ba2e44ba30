// Package agent declares the agent runtime collaborator that produces the
// assistant side of a turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

type TurnRequest struct {
	ConnectionID   string
	ConversationID string
	TurnID         string
	Agent          catalog.Agent
	// History includes Input as its last entry.
	History []conversations.Message
	Input   conversations.Message
	Text    string
}

// Sink receives turn output as it is produced. Calls come from the runtime's
// goroutine, one at a time.
type Sink interface {
	TextDelta(text string) error
	// Message records a finished history entry in the agent's model family.
	Message(m conversations.Message) error
	// Event forwards a runtime-defined business event to the client.
	Event(name string, data json.RawMessage) error
}

type Runtime interface {
	RunTurn(ctx context.Context, req TurnRequest, sink Sink) error
}

type RuntimeFunc func(ctx context.Context, req TurnRequest, sink Sink) error

func (f RuntimeFunc) RunTurn(ctx context.Context, req TurnRequest, sink Sink) error {
	return f(ctx, req, sink)
}

// Echo repeats the user's words back, a word at a time.
type Echo struct {
	// Delay is the pause between words.
	Delay time.Duration
}

func (e Echo) RunTurn(ctx context.Context, req TurnRequest, sink Sink) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = strings.TrimSpace(conversations.MessageText(req.Input))
	}
	reply := "You said: " + text
	if text == "" {
		reply = "I didn't catch that."
	}

	started, _ := json.Marshal(map[string]any{"agent": req.Agent.Key, "history": len(req.History)})
	if err := sink.Event("echo_started", started); err != nil {
		return err
	}

	words := strings.Fields(reply)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if e.Delay > 0 {
			timer := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.TextDelta(w); err != nil {
			return err
		}
	}

	msg, err := conversations.TextMessage(req.Agent.ModelFamily, protocol.RoleAssistant, reply)
	if err != nil {
		return fmt.Errorf("echo reply: %w", err)
	}
	return sink.Message(msg)
}
