package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
)

var testScope = SessionContext{SessionID: "amber-fox", Role: RoleAssistant}

func serverSamples() []Event {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	msg := Message{Role: RoleUser, Family: "anthropic", Payload: json.RawMessage(`{"role":"user","content":[{"type":"text","text":"hi"}]}`)}
	return []Event{
		CurrentUserEvent{User: User{ID: "u1", Name: "Ada"}, ConnectionID: "calm-river-stone", Resumed: true, OutputMode: "voiced", Voice: "thalia"},
		AvatarCatalogEvent{Avatars: []catalog.Avatar{{Key: "nova", Name: "Nova"}}},
		VoiceCatalogEvent{Voices: []catalog.Voice{{Key: "thalia", Name: "Thalia", Model: "aura-2-thalia-en"}}},
		AgentCatalogEvent{Agents: []catalog.Agent{{Key: "echo", ModelFamily: "anthropic", Default: true, Tools: []string{"t"}}}, DefaultAgent: "echo"},
		ToolCatalogEvent{Tools: []catalog.Tool{{Name: "t", InputSchema: map[string]any{"type": "object"}}}},
		ConversationStateEvent{
			SessionContext: testScope,
			Conversation:   Conversation{ID: "amber-fox", Name: "n", Metadata: map[string]string{"k": "v"}, AgentKey: "echo", ModelFamily: "anthropic", Messages: []Message{msg}, Persisted: true, CreatedAt: at, UpdatedAt: at},
			Resume:         ResumeInfo{Requested: "amber-fox", Status: ResumeResumed},
		},
		TurnGrantedEvent{},
		TurnEndedEvent{Reason: TurnEndedAudioInput},
		TextDeltaEvent{SessionContext: testScope, TurnID: "t1", Delta: "hel"},
		TextCompletedEvent{SessionContext: testScope, TurnID: "t1", Text: "hello"},
		TranscriptEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}, Text: "hi", Final: true},
		MessagesAppendedEvent{SessionContext: testScope, Messages: []Message{msg}, Count: 1},
		ConversationRenamedEvent{SessionContext: testScope, Name: "Trip"},
		ConversationMetadataUpdatedEvent{SessionContext: testScope, Metadata: map[string]string{"a": "b"}},
		AgentChangedEvent{SessionContext: testScope, AgentKey: "echo", ModelFamily: "anthropic"},
		ConversationDeletedEvent{SessionContext: testScope, DeletedAt: at},
		ConversationListEvent{Conversations: []ConversationSummary{{ID: "amber-fox", AgentKey: "echo", MessageCount: 2, UpdatedAt: at}}},
		OutputModeChangedEvent{Mode: "avatar", Voice: "avatar"},
		NotificationEvent{Severity: SeverityWarning, Code: "tts_unavailable", Message: "m", Source: SourceTTS},
		ErrorEvent{Code: CodeTurnViolation, Message: "m", Source: SourceTurn, Param: "text"},
		PongEvent{Nonce: "n1"},
		AgentActivityEvent{
			SessionContext: SessionContext{SessionID: "amber-fox:tool-run", Role: RoleSystem, ParentSessionID: "amber-fox", UserSessionID: "amber-fox"},
			Name:           "tool_call",
			Data:           json.RawMessage(`{"name":"lookup"}`),
		},
	}
}

func clientSamples() []Event {
	return []Event{
		TextInputEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}, Text: "hello"},
		AudioInputEndEvent{},
		PingEvent{Nonce: "n"},
		SetOutputModeEvent{Mode: "voiced"},
		SetVoiceEvent{Voice: "thalia"},
		NewConversationEvent{AgentKey: "echo", Name: "x"},
		ResumeConversationEvent{ConversationID: "amber-fox"},
		ListConversationsEvent{},
		RenameConversationEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}, Name: "y"},
		SetConversationMetadataEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}, Metadata: map[string]string{"a": ""}},
		SetAgentEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}, AgentKey: "echo-openai"},
		DeleteConversationEvent{SessionContext: SessionContext{SessionID: "amber-fox", Role: RoleUser}},
		DisconnectEvent{},
	}
}

func TestRoundTrip_AllKinds(t *testing.T) {
	for _, tc := range []struct {
		name    string
		reg     *Registry
		samples []Event
	}{
		{"server", Server, serverSamples()},
		{"client", Client, clientSamples()},
	} {
		if got, want := len(tc.samples), len(tc.reg.Types()); got != want {
			t.Fatalf("%s: %d samples for %d registered kinds", tc.name, got, want)
		}
		for _, ev := range tc.samples {
			data, err := tc.reg.Encode(ev)
			if err != nil {
				t.Fatalf("Encode(%T) error: %v", ev, err)
			}
			back, err := tc.reg.Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s) error: %v", data, err)
			}
			if !reflect.DeepEqual(back, ev) {
				t.Fatalf("round trip mismatch for %T:\n got=%#v\nwant=%#v", ev, back, ev)
			}
		}
	}
}

func TestDiscriminator(t *testing.T) {
	cases := map[string]string{
		"TurnGrantedEvent":                 "turn_granted",
		"ConversationMetadataUpdatedEvent": "conversation_metadata_updated",
		"Ping":                             "ping",
		"URLChangedEvent":                  "url_changed",
		"Event":                            "event",
		"TTSReadyEvent":                    "tts_ready",
	}
	for in, want := range cases {
		if got := Discriminator(in); got != want {
			t.Fatalf("Discriminator(%q)=%q, want %q", in, got, want)
		}
	}
	if typ, ok := Server.Type(TurnEndedEvent{}); !ok || typ != "turn_ended" {
		t.Fatalf("Type=%q ok=%v", typ, ok)
	}
}

func TestEncode_Shape(t *testing.T) {
	data, err := Server.Encode(TurnGrantedEvent{})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(data) != `{"type":"turn_granted"}` {
		t.Fatalf("encoded=%s", data)
	}

	data, err = Server.Encode(TextDeltaEvent{SessionContext: testScope, TurnID: "t", Delta: "x"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["type"] != "text_delta" || fields["session_id"] != "amber-fox" || fields["role"] != "assistant" {
		t.Fatalf("fields=%v", fields)
	}
	if _, ok := fields["parent_session_id"]; ok {
		t.Fatalf("empty ancestry must be omitted: %s", data)
	}
	if _, ok := fields["user_session_id"]; ok {
		t.Fatalf("empty ancestry must be omitted: %s", data)
	}
}

func TestEncode_ScopedRequiresContext(t *testing.T) {
	_, err := Server.Encode(TextDeltaEvent{Delta: "x"})
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err=%v, want ErrMalformedEvent", err)
	}
	if _, err := Client.Encode(TurnGrantedEvent{}); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("err=%v, want ErrUnknownEventType for kind outside registry", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		raw      string
		sentinel error
		code     string
		param    string
	}{
		{`not json`, ErrMalformedEvent, CodeMalformedEvent, ""},
		{`{"text":"x"}`, ErrMalformedEvent, CodeMalformedEvent, "type"},
		{`{"type":""}`, ErrMalformedEvent, CodeMalformedEvent, "type"},
		{`{"type":"teleport"}`, ErrUnknownEventType, CodeUnknownEventType, "type"},
		{`{"type":"text_input","role":"user","text":"x"}`, ErrMalformedEvent, CodeMalformedEvent, "session_id"},
		{`{"type":"text_input","session_id":"a","text":"x"}`, ErrMalformedEvent, CodeMalformedEvent, "role"},
		{`{"type":"text_input","session_id":"a","role":"narrator","text":"x"}`, ErrMalformedEvent, CodeMalformedEvent, "role"},
		{`{"type":"set_voice","voice":7}`, ErrMalformedEvent, CodeMalformedEvent, ""},
	}
	for _, tc := range cases {
		_, err := Client.Decode([]byte(tc.raw))
		if !errors.Is(err, tc.sentinel) {
			t.Fatalf("Decode(%s) err=%v, want %v", tc.raw, err, tc.sentinel)
		}
		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("Decode(%s) err=%T, want *Error", tc.raw, err)
		}
		if perr.Code != tc.code || perr.Param != tc.param {
			t.Fatalf("Decode(%s) code=%q param=%q, want %q %q", tc.raw, perr.Code, perr.Param, tc.code, tc.param)
		}
	}
}

func TestDecode_NullAncestryEqualsAbsent(t *testing.T) {
	withNull := `{"type":"text_input","session_id":"a","role":"user","parent_session_id":null,"user_session_id":null,"text":"x"}`
	without := `{"type":"text_input","session_id":"a","role":"user","text":"x"}`
	a, err := Client.Decode([]byte(withNull))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	b, err := Client.Decode([]byte(without))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("null ancestry decoded differently: %#v vs %#v", a, b)
	}
}

type duplicateA struct{}
type DuplicateEvent struct{}

func (duplicateA) event()     {}
func (DuplicateEvent) event() {}

type TurnGranted struct{}

func (TurnGranted) event() {}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(TurnGrantedEvent{}, TurnGranted{})
	if !errors.Is(err, ErrDuplicateEventType) {
		t.Fatalf("err=%v, want ErrDuplicateEventType", err)
	}
	if _, err := NewRegistry(DuplicateEvent{}, duplicateA{}); err != nil {
		t.Fatalf("distinct kinds rejected: %v", err)
	}
	if _, err := NewRegistry(&PingEvent{}); err == nil || !strings.Contains(err.Error(), "struct values") {
		t.Fatalf("err=%v, want pointer prototype rejected", err)
	}
}

func TestErrorEventFor(t *testing.T) {
	ev := ErrorEventFor(NewError(ErrMalformedEvent, CodeSessionMismatch, "stale session", "session_id"), SourceConversation)
	if ev.Code != CodeSessionMismatch || ev.Param != "session_id" || ev.Source != SourceConversation {
		t.Fatalf("event=%+v", ev)
	}
	if ev := ErrorEventFor(errors.New("boom"), SourceServer); ev.Code != CodeInternal {
		t.Fatalf("event=%+v, want internal", ev)
	}
}

func TestScoped(t *testing.T) {
	if !Client.Scoped("text_input") || Client.Scoped("ping") || Server.Scoped("turn_granted") {
		t.Fatalf("scoped classification wrong")
	}
}
