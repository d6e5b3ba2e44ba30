// Package turn implements the two-state machine deciding whether the client
// may currently send input.
package turn

import (
	"errors"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

type State int

const (
	// AgentTurn holds from connection start until the initialization
	// sequence grants the first turn.
	AgentTurn State = iota
	UserTurn
)

func (s State) String() string {
	switch s {
	case UserTurn:
		return "user_turn"
	case AgentTurn:
		return "agent_turn"
	default:
		return "unknown"
	}
}

var (
	ErrTurnViolation = errors.New("turn violation")
	ErrNotAgentTurn  = errors.New("turn is not held by the agent")
)

// Coordinator is owned by one connection actor and is not safe for
// concurrent use. It never queues rejected input.
type Coordinator struct {
	state     State
	utterance bool
}

func New() *Coordinator {
	return &Coordinator{state: AgentTurn}
}

func (c *Coordinator) State() State { return c.state }

// UtteranceOpen reports whether audio frames of the utterance that took the
// turn are still being accepted.
func (c *Coordinator) UtteranceOpen() bool { return c.utterance }

// Grant hands the turn to the client. It closes any open utterance.
func (c *Coordinator) Grant() (protocol.TurnGrantedEvent, error) {
	if c.state != AgentTurn {
		return protocol.TurnGrantedEvent{}, ErrNotAgentTurn
	}
	c.state = UserTurn
	c.utterance = false
	return protocol.TurnGrantedEvent{}, nil
}

// CheckText reports the violation AcceptText would return, without changing
// state.
func (c *Coordinator) CheckText() error {
	if c.state != UserTurn {
		return violation("text input is not allowed while the agent holds the turn", "text")
	}
	return nil
}

// AcceptText takes the turn for a text input.
func (c *Coordinator) AcceptText() (protocol.TurnEndedEvent, error) {
	if err := c.CheckText(); err != nil {
		return protocol.TurnEndedEvent{}, err
	}
	c.state = AgentTurn
	return protocol.TurnEndedEvent{Reason: protocol.TurnEndedTextInput}, nil
}

// CheckAudioFrame reports the violation AcceptAudioFrame would return,
// without changing state.
func (c *Coordinator) CheckAudioFrame() error {
	if c.state == UserTurn || c.utterance {
		return nil
	}
	return violation("audio input is not allowed while the agent holds the turn", "audio")
}

// AcceptAudioFrame gates one inbound binary frame. The first frame in
// UserTurn opens an utterance and ends the client's turn; later frames of
// that utterance are accepted until EndUtterance. ended is non-nil only for
// the opening frame.
func (c *Coordinator) AcceptAudioFrame() (ended *protocol.TurnEndedEvent, err error) {
	switch {
	case c.state == UserTurn:
		c.state = AgentTurn
		c.utterance = true
		return &protocol.TurnEndedEvent{Reason: protocol.TurnEndedAudioInput}, nil
	case c.utterance:
		return nil, nil
	default:
		return nil, c.CheckAudioFrame()
	}
}

// EndUtterance stops accepting frames of the open utterance. It reports
// whether an utterance was open.
func (c *Coordinator) EndUtterance() bool {
	was := c.utterance
	c.utterance = false
	return was
}

func violation(message, param string) error {
	return protocol.NewError(ErrTurnViolation, protocol.CodeTurnViolation, message, param)
}
