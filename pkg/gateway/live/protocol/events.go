package protocol

import (
	"encoding/json"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
)

// Turn-ended reasons.
const (
	TurnEndedTextInput  = "text_input"
	TurnEndedAudioInput = "audio_input"
)

// Resume outcomes reported by conversation_state.
const (
	ResumeCreated  = "created"
	ResumeResumed  = "resumed"
	ResumeNotFound = "not_found"
)

// Notification severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is one stored history entry. Payload is vendor formatted and is
// carried verbatim.
type Message struct {
	Role    Role            `json:"role"`
	Family  string          `json:"family"`
	Payload json.RawMessage `json:"payload"`
}

type Conversation struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AgentKey    string            `json:"agent_key"`
	ModelFamily string            `json:"model_family"`
	Messages    []Message         `json:"messages"`
	Persisted   bool              `json:"persisted"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type ConversationSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	AgentKey     string    `json:"agent_key"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ResumeInfo struct {
	Requested string `json:"requested,omitempty"`
	Status    string `json:"status"`
}

// Server to client.

type CurrentUserEvent struct {
	User         User   `json:"user"`
	ConnectionID string `json:"connection_id"`
	Resumed      bool   `json:"resumed"`
	OutputMode   string `json:"output_mode"`
	Voice        string `json:"voice,omitempty"`
}

type AvatarCatalogEvent struct {
	Avatars []catalog.Avatar `json:"avatars"`
}

type VoiceCatalogEvent struct {
	Voices []catalog.Voice `json:"voices"`
}

type AgentCatalogEvent struct {
	Agents       []catalog.Agent `json:"agents"`
	DefaultAgent string          `json:"default_agent"`
}

type ToolCatalogEvent struct {
	Tools []catalog.Tool `json:"tools"`
}

type ConversationStateEvent struct {
	SessionContext
	Conversation Conversation `json:"conversation"`
	Resume       ResumeInfo   `json:"resume"`
}

type TurnGrantedEvent struct{}

type TurnEndedEvent struct {
	Reason string `json:"reason"`
}

type TextDeltaEvent struct {
	SessionContext
	TurnID string `json:"turn_id"`
	Delta  string `json:"delta"`
}

type TextCompletedEvent struct {
	SessionContext
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type TranscriptEvent struct {
	SessionContext
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type MessagesAppendedEvent struct {
	SessionContext
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

type ConversationRenamedEvent struct {
	SessionContext
	Name string `json:"name"`
}

type ConversationMetadataUpdatedEvent struct {
	SessionContext
	Metadata map[string]string `json:"metadata"`
}

type AgentChangedEvent struct {
	SessionContext
	AgentKey    string `json:"agent_key"`
	ModelFamily string `json:"model_family"`
}

type ConversationDeletedEvent struct {
	SessionContext
	DeletedAt time.Time `json:"deleted_at"`
}

type ConversationListEvent struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type OutputModeChangedEvent struct {
	Mode  string `json:"mode"`
	Voice string `json:"voice,omitempty"`
}

type NotificationEvent struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Param   string `json:"param,omitempty"`
}

type PongEvent struct {
	Nonce string `json:"nonce,omitempty"`
}

// AgentActivityEvent passes a runtime-defined business event through to the
// client unchanged.
type AgentActivityEvent struct {
	SessionContext
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client to server.

type TextInputEvent struct {
	SessionContext
	Text string `json:"text"`
}

type AudioInputEndEvent struct{}

type PingEvent struct {
	Nonce string `json:"nonce,omitempty"`
}

type SetOutputModeEvent struct {
	Mode string `json:"mode"`
}

type SetVoiceEvent struct {
	Voice string `json:"voice"`
}

type NewConversationEvent struct {
	AgentKey string `json:"agent_key,omitempty"`
	Name     string `json:"name,omitempty"`
}

type ResumeConversationEvent struct {
	ConversationID string `json:"conversation_id"`
}

type ListConversationsEvent struct{}

type RenameConversationEvent struct {
	SessionContext
	Name string `json:"name"`
}

type SetConversationMetadataEvent struct {
	SessionContext
	Metadata map[string]string `json:"metadata"`
}

type SetAgentEvent struct {
	SessionContext
	AgentKey string `json:"agent_key"`
}

type DeleteConversationEvent struct {
	SessionContext
}

type DisconnectEvent struct{}

func (CurrentUserEvent) event()                 {}
func (AvatarCatalogEvent) event()               {}
func (VoiceCatalogEvent) event()                {}
func (AgentCatalogEvent) event()                {}
func (ToolCatalogEvent) event()                 {}
func (ConversationStateEvent) event()           {}
func (TurnGrantedEvent) event()                 {}
func (TurnEndedEvent) event()                   {}
func (TextDeltaEvent) event()                   {}
func (TextCompletedEvent) event()               {}
func (TranscriptEvent) event()                  {}
func (MessagesAppendedEvent) event()            {}
func (ConversationRenamedEvent) event()         {}
func (ConversationMetadataUpdatedEvent) event() {}
func (AgentChangedEvent) event()                {}
func (ConversationDeletedEvent) event()         {}
func (ConversationListEvent) event()            {}
func (OutputModeChangedEvent) event()           {}
func (NotificationEvent) event()                {}
func (ErrorEvent) event()                       {}
func (PongEvent) event()                        {}
func (AgentActivityEvent) event()               {}
func (TextInputEvent) event()                   {}
func (AudioInputEndEvent) event()               {}
func (PingEvent) event()                        {}
func (SetOutputModeEvent) event()               {}
func (SetVoiceEvent) event()                    {}
func (NewConversationEvent) event()             {}
func (ResumeConversationEvent) event()          {}
func (ListConversationsEvent) event()           {}
func (RenameConversationEvent) event()          {}
func (SetConversationMetadataEvent) event()     {}
func (SetAgentEvent) event()                    {}
func (DeleteConversationEvent) event()          {}
func (DisconnectEvent) event()                  {}

// Server lists every kind the server may write.
var Server = mustRegistry(
	CurrentUserEvent{},
	AvatarCatalogEvent{},
	VoiceCatalogEvent{},
	AgentCatalogEvent{},
	ToolCatalogEvent{},
	ConversationStateEvent{},
	TurnGrantedEvent{},
	TurnEndedEvent{},
	TextDeltaEvent{},
	TextCompletedEvent{},
	TranscriptEvent{},
	MessagesAppendedEvent{},
	ConversationRenamedEvent{},
	ConversationMetadataUpdatedEvent{},
	AgentChangedEvent{},
	ConversationDeletedEvent{},
	ConversationListEvent{},
	OutputModeChangedEvent{},
	NotificationEvent{},
	ErrorEvent{},
	PongEvent{},
	AgentActivityEvent{},
)

// Client lists every kind a client may send.
var Client = mustRegistry(
	TextInputEvent{},
	AudioInputEndEvent{},
	PingEvent{},
	SetOutputModeEvent{},
	SetVoiceEvent{},
	NewConversationEvent{},
	ResumeConversationEvent{},
	ListConversationsEvent{},
	RenameConversationEvent{},
	SetConversationMetadataEvent{},
	SetAgentEvent{},
	DeleteConversationEvent{},
	DisconnectEvent{},
)
