package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/output"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/turn"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

var (
	errInvalidInput    = errors.New("invalid input")
	errSessionMismatch = errors.New("session mismatch")
)

func (s *Session) handleEvent(data []byte) error {
	if limit := s.cfg.MaxJSONMessageBytes; limit > 0 && int64(len(data)) > limit {
		return s.sendError(protocol.NewError(errFrameTooLarge, protocol.CodeFrameTooLarge,
			fmt.Sprintf("message of %d bytes exceeds the %d byte limit", len(data), limit), ""), protocol.SourceProtocol)
	}

	ev, err := protocol.Client.Decode(data)
	if err != nil {
		return s.sendError(err, protocol.SourceProtocol)
	}
	if typ, ok := protocol.Client.Type(ev); ok {
		s.metrics.RecordEvent("in", typ)
	}

	switch e := ev.(type) {
	case protocol.TextInputEvent:
		return s.handleTextInput(e)
	case protocol.AudioInputEndEvent:
		return s.handleAudioInputEnd()
	case protocol.PingEvent:
		return s.send(protocol.PongEvent{Nonce: e.Nonce})
	case protocol.SetOutputModeEvent:
		return s.handleSetOutputMode(e)
	case protocol.SetVoiceEvent:
		return s.handleSetVoice(e)
	case protocol.NewConversationEvent:
		return s.handleNewConversation(e)
	case protocol.ResumeConversationEvent:
		return s.handleResumeConversation(e)
	case protocol.ListConversationsEvent:
		return s.handleListConversations()
	case protocol.RenameConversationEvent:
		return s.handleRename(e)
	case protocol.SetConversationMetadataEvent:
		return s.handleSetMetadata(e)
	case protocol.SetAgentEvent:
		return s.handleSetAgent(e)
	case protocol.DeleteConversationEvent:
		return s.handleDelete(e)
	case protocol.DisconnectEvent:
		s.closeWith(protocol.CloseNormal, "client disconnect")
		return errDisconnect
	default:
		typ, _ := protocol.Client.Type(ev)
		return s.sendError(protocol.NewError(protocol.ErrUnknownEventType, protocol.CodeUnsupported,
			fmt.Sprintf("event type %q is not handled", typ), "type"), protocol.SourceProtocol)
	}
}

// checkScope rejects commands addressed to a conversation other than the
// current one, and commands that claim a role other than the user's.
func (s *Session) checkScope(sc protocol.SessionContext) error {
	if sc.Role != protocol.RoleUser {
		return protocol.NewError(errInvalidInput, protocol.CodeInvalidRequest,
			fmt.Sprintf("role %q is not accepted from clients", sc.Role), "role")
	}
	if !mnemonic.Equal(mnemonic.ID(sc.SessionID), s.conversation.ID) {
		return protocol.NewError(errSessionMismatch, protocol.CodeSessionMismatch,
			fmt.Sprintf("session_id %q is not the current conversation", sc.SessionID), "session_id")
	}
	return nil
}

// checkUserTurn guards commands that replace or reshape the current
// conversation while input or an agent turn is in flight.
func (s *Session) checkUserTurn(command string) error {
	if s.turns.State() == turn.UserTurn {
		return nil
	}
	s.metrics.RecordTurnViolation("command")
	return protocol.NewError(turn.ErrTurnViolation, protocol.CodeTurnViolation,
		fmt.Sprintf("%s is not allowed while the agent holds the turn", command), "type")
}

func conversationError(err error, param string) error {
	switch {
	case errors.Is(err, conversations.ErrNotFound):
		return protocol.NewError(err, protocol.CodeNotFound, "conversation not found", param)
	case errors.Is(err, conversations.ErrVendorMismatch):
		return protocol.NewError(err, protocol.CodeInvalidRequest, err.Error(), param)
	case errors.Is(err, conversations.ErrInvalidMessage):
		return protocol.NewError(err, protocol.CodeInvalidRequest, err.Error(), param)
	default:
		return err
	}
}

func (s *Session) handleTextInput(e protocol.TextInputEvent) error {
	if err := s.turns.CheckText(); err != nil {
		s.metrics.RecordTurnViolation("text")
		return s.sendError(err, protocol.SourceTurn)
	}
	if err := s.checkScope(e.SessionContext); err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return s.sendError(protocol.NewError(errInvalidInput, protocol.CodeInvalidRequest, "text is required", "text"), protocol.SourceProtocol)
	}

	ended, err := s.turns.AcceptText()
	if err != nil {
		return s.sendError(err, protocol.SourceTurn)
	}
	if err := s.send(ended); err != nil {
		return err
	}
	return s.beginAgentTurn(text)
}

func (s *Session) handleSetOutputMode(e protocol.SetOutputModeEvent) error {
	mode, err := output.ParseMode(e.Mode)
	if err != nil {
		return s.sendError(protocol.NewError(err, protocol.CodeInvalidRequest, err.Error(), "mode"), protocol.SourceOutput)
	}
	snap := s.output.SetMode(mode)
	s.silenceTurn(snap)
	if mode == output.ModeVoiced && snap.Mode != output.ModeVoiced {
		if err := s.notify(protocol.SeverityInfo, "no_voice_selected", "select a voice to enable voiced output", protocol.SourceOutput); err != nil {
			return err
		}
	}
	return s.send(protocol.OutputModeChangedEvent{Mode: string(snap.Mode), Voice: snap.Voice})
}

func (s *Session) handleSetVoice(e protocol.SetVoiceEvent) error {
	key := strings.TrimSpace(e.Voice)
	if _, ok := s.catalog.Voice(key); !ok {
		if key == output.TextVoice || strings.EqualFold(key, output.AvatarVoice) {
			return s.sendError(protocol.NewError(errInvalidInput, protocol.CodeInvalidRequest, fmt.Sprintf("voice %q is reserved", key), "voice"), protocol.SourceOutput)
		}
		return s.sendError(protocol.NewError(errInvalidInput, protocol.CodeNotFound, fmt.Sprintf("voice %q is not in the catalog", key), "voice"), protocol.SourceOutput)
	}
	snap, err := s.output.SetVoice(key)
	if err != nil {
		return s.sendError(protocol.NewError(err, protocol.CodeInvalidRequest, err.Error(), "voice"), protocol.SourceOutput)
	}
	s.silenceTurn(snap)
	return s.send(protocol.OutputModeChangedEvent{Mode: string(snap.Mode), Voice: snap.Voice})
}

func (s *Session) lookupAgent(key string) (catalog.Agent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		if a, ok := s.catalog.DefaultAgent(); ok {
			return a, nil
		}
	} else if a, ok := s.catalog.Agent(key); ok {
		return a, nil
	}
	return catalog.Agent{}, protocol.NewError(errInvalidInput, protocol.CodeNotFound, fmt.Sprintf("agent %q is not in the catalog", key), "agent_key")
}

// switchTo makes c the current conversation, dropping an abandoned draft.
func (s *Session) switchTo(c conversations.Conversation) {
	if prev := s.conversation; !prev.Persisted && prev.ID != "" && !mnemonic.Equal(prev.ID, c.ID) {
		s.convs.Discard(prev.ID)
	}
	s.conversation = c
}

func (s *Session) handleNewConversation(e protocol.NewConversationEvent) error {
	if err := s.checkUserTurn("new_conversation"); err != nil {
		return s.sendError(err, protocol.SourceTurn)
	}
	agentDef, err := s.lookupAgent(e.AgentKey)
	if err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}

	draft, err := s.convs.Draft(s.ctx, s.user.ID, agentDef)
	if err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	created, err := s.convs.Create(s.ctx, draft)
	if err != nil {
		s.convs.Discard(draft.ID)
		return s.sendError(conversationError(err, ""), protocol.SourceConversation)
	}
	if name := strings.TrimSpace(e.Name); name != "" {
		change, err := s.convs.Rename(s.ctx, created, name)
		if err != nil {
			return s.sendError(conversationError(err, "name"), protocol.SourceConversation)
		}
		created = change.Conversation
	}

	s.switchTo(created)
	s.logger.Info("live conversation created", "conversation_id", created.ID.String(), "agent_key", agentDef.Key)
	return s.send(s.conversationState(protocol.ResumeCreated, ""))
}

func (s *Session) handleResumeConversation(e protocol.ResumeConversationEvent) error {
	if err := s.checkUserTurn("resume_conversation"); err != nil {
		return s.sendError(err, protocol.SourceTurn)
	}
	id, err := mnemonic.ParseID(e.ConversationID)
	if err != nil {
		return s.sendError(protocol.NewError(err, protocol.CodeInvalidRequest, err.Error(), "conversation_id"), protocol.SourceConversation)
	}
	c, err := s.convs.Resume(s.ctx, s.user.ID, id)
	if err != nil {
		return s.sendError(conversationError(err, "conversation_id"), protocol.SourceConversation)
	}
	s.switchTo(c)
	return s.send(s.conversationState(protocol.ResumeResumed, e.ConversationID))
}

func (s *Session) handleListConversations() error {
	summaries, err := s.convs.List(s.ctx, s.user.ID)
	if err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	list := make([]protocol.ConversationSummary, 0, len(summaries))
	for _, sum := range summaries {
		list = append(list, sum.Wire())
	}
	return s.send(protocol.ConversationListEvent{Conversations: list})
}

func (s *Session) handleRename(e protocol.RenameConversationEvent) error {
	if err := s.checkScope(e.SessionContext); err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	change, err := s.convs.Rename(s.ctx, s.conversation, e.Name)
	if err != nil {
		return s.sendError(conversationError(err, "session_id"), protocol.SourceConversation)
	}
	s.conversation = change.Conversation
	return s.send(change.Event)
}

func (s *Session) handleSetMetadata(e protocol.SetConversationMetadataEvent) error {
	if err := s.checkScope(e.SessionContext); err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	change, err := s.convs.SetMetadata(s.ctx, s.conversation, e.Metadata)
	if err != nil {
		return s.sendError(conversationError(err, "session_id"), protocol.SourceConversation)
	}
	s.conversation = change.Conversation
	return s.send(change.Event)
}

func (s *Session) handleSetAgent(e protocol.SetAgentEvent) error {
	if err := s.checkUserTurn("set_agent"); err != nil {
		return s.sendError(err, protocol.SourceTurn)
	}
	if err := s.checkScope(e.SessionContext); err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	if strings.TrimSpace(e.AgentKey) == "" {
		return s.sendError(protocol.NewError(errInvalidInput, protocol.CodeInvalidRequest, "agent_key is required", "agent_key"), protocol.SourceConversation)
	}
	agentDef, err := s.lookupAgent(e.AgentKey)
	if err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	change, err := s.convs.SetAgent(s.ctx, s.conversation, agentDef)
	if err != nil {
		return s.sendError(conversationError(err, "agent_key"), protocol.SourceConversation)
	}
	s.conversation = change.Conversation
	return s.send(change.Event)
}

// handleDelete soft-deletes the current conversation and moves the
// connection to a fresh draft with the same agent.
func (s *Session) handleDelete(e protocol.DeleteConversationEvent) error {
	if err := s.checkUserTurn("delete_conversation"); err != nil {
		return s.sendError(err, protocol.SourceTurn)
	}
	if err := s.checkScope(e.SessionContext); err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	change, err := s.convs.Delete(s.ctx, s.conversation)
	if err != nil {
		return s.sendError(conversationError(err, "session_id"), protocol.SourceConversation)
	}
	if err := s.send(change.Event); err != nil {
		return err
	}

	agentDef, err := s.lookupAgent(change.Conversation.AgentKey)
	if err != nil {
		agentDef, err = s.lookupAgent("")
		if err != nil {
			return s.sendError(err, protocol.SourceConversation)
		}
	}
	draft, err := s.convs.Draft(s.ctx, s.user.ID, agentDef)
	if err != nil {
		return s.sendError(err, protocol.SourceConversation)
	}
	s.conversation = draft
	return s.send(s.conversationState(protocol.ResumeCreated, ""))
}
