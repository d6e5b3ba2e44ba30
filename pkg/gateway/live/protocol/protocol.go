// Package protocol defines the structured half of the /v1/live wire protocol:
// a closed set of event kinds, their discriminators, and the JSON codec.
//
// Every structured frame is a JSON object carrying a "type" discriminator.
// Session-scoped events additionally carry session_id and role, plus the
// optional parent_session_id and user_session_id ancestry fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrDuplicateEventType = errors.New("duplicate event type")
)

// Error codes carried by the error event.
const (
	CodeUnknownEventType = "unknown_event_type"
	CodeMalformedEvent   = "malformed_event"
	CodeTurnViolation    = "turn_violation"
	CodeSessionMismatch  = "session_mismatch"
	CodeNotFound         = "not_found"
	CodeInvalidRequest   = "invalid_request"
	CodeRateLimited      = "rate_limited"
	CodeFrameTooLarge    = "frame_too_large"
	CodeUnsupported      = "unsupported"
	CodeInternal         = "internal_error"
)

// Component tags for the error event's source field.
const (
	SourceProtocol     = "protocol"
	SourceTurn         = "turn"
	SourceAudio        = "audio"
	SourceConversation = "conversation"
	SourceOutput       = "output"
	SourceAgent        = "agent"
	SourceSTT          = "stt"
	SourceTTS          = "tts"
	SourceServer       = "server"
)

// WebSocket close codes. Handshake failures close before any event is sent.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseInternal           = 1011
	CloseMalformedHandshake = 4400
	CloseUnauthorized       = 4401
	CloseInitTimeout        = 4408
	CloseTooManySessions    = 4429
)

// Error is a per-message protocol error. It never closes the connection.
type Error struct {
	Code    string
	Message string
	Param   string
	err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds an Error that unwraps to sentinel.
func NewError(sentinel error, code, message, param string) *Error {
	return &Error{Code: code, Message: message, Param: param, err: sentinel}
}

func malformed(message, param string) *Error {
	return NewError(ErrMalformedEvent, CodeMalformedEvent, message, param)
}

func unknownType(t string) *Error {
	return NewError(ErrUnknownEventType, CodeUnknownEventType, fmt.Sprintf("unknown event type %q", t), "type")
}

// ErrorEventFor converts err into the wire error event. Errors that are not
// protocol errors are reported as internal.
func ErrorEventFor(err error, source string) ErrorEvent {
	var perr *Error
	if errors.As(err, &perr) && perr != nil {
		return ErrorEvent{Code: perr.Code, Message: perr.Message, Param: perr.Param, Source: source}
	}
	return ErrorEvent{Code: CodeInternal, Message: "internal error", Source: source}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// SessionContext is embedded by every session-scoped event.
type SessionContext struct {
	SessionID       string `json:"session_id"`
	Role            Role   `json:"role"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	UserSessionID   string `json:"user_session_id,omitempty"`
}

// Scope exposes the context of an event that embeds SessionContext.
func (c SessionContext) Scope() SessionContext { return c }

// Event is the closed set of wire events. Only types in this package
// implement it.
type Event interface {
	event()
}

// ScopedEvent is an Event carrying conversation context.
type ScopedEvent interface {
	Event
	Scope() SessionContext
}

// Discriminator derives the wire type from a kind name: a trailing "Event"
// is dropped and the rest is converted to lower snake case.
func Discriminator(name string) string {
	if trimmed := strings.TrimSuffix(name, "Event"); trimmed != "" {
		name = trimmed
	}
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type kind struct {
	discriminator string
	scoped        bool
	typ           reflect.Type
}

// Registry maps discriminators to event kinds. It is built once and is
// read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	byType map[reflect.Type]*kind
	byDisc map[string]*kind
}

var scopedType = reflect.TypeOf((*ScopedEvent)(nil)).Elem()

// NewRegistry registers each prototype's kind. Prototypes must be struct
// values; their discriminators must be distinct.
func NewRegistry(prototypes ...Event) (*Registry, error) {
	r := &Registry{
		byType: make(map[reflect.Type]*kind, len(prototypes)),
		byDisc: make(map[string]*kind, len(prototypes)),
	}
	for _, p := range prototypes {
		if err := r.register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func mustRegistry(prototypes ...Event) *Registry {
	r, err := NewRegistry(prototypes...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) register(proto Event) error {
	if proto == nil {
		return fmt.Errorf("register: nil event")
	}
	t := reflect.TypeOf(proto)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("register %s: event kinds must be struct values", t)
	}
	k := &kind{
		discriminator: Discriminator(t.Name()),
		scoped:        t.Implements(scopedType),
		typ:           t,
	}
	if existing, ok := r.byDisc[k.discriminator]; ok {
		return fmt.Errorf("%w: %q used by %s and %s", ErrDuplicateEventType, k.discriminator, existing.typ, t)
	}
	r.byType[t] = k
	r.byDisc[k.discriminator] = k
	return nil
}

// Type returns the discriminator registered for e.
func (r *Registry) Type(e Event) (string, bool) {
	if e == nil {
		return "", false
	}
	k, ok := r.byType[reflect.TypeOf(e)]
	if !ok {
		return "", false
	}
	return k.discriminator, true
}

// Scoped reports whether discriminator names a session-scoped kind.
func (r *Registry) Scoped(discriminator string) bool {
	k, ok := r.byDisc[discriminator]
	return ok && k.scoped
}

// Types lists registered discriminators in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byDisc))
	for d := range r.byDisc {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Encode serializes e with its discriminator. Empty ancestry fields are
// omitted.
func (r *Registry) Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	k, ok := r.byType[reflect.TypeOf(e)]
	if !ok {
		return nil, fmt.Errorf("encode %T: %w", e, ErrUnknownEventType)
	}
	if k.scoped {
		if err := validateScope(e.(ScopedEvent).Scope()); err != nil {
			return nil, fmt.Errorf("encode %s: %w", k.discriminator, err)
		}
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", k.discriminator, err)
	}
	out := make([]byte, 0, len(body)+len(k.discriminator)+10)
	out = append(out, `{"type":"`...)
	out = append(out, k.discriminator...)
	out = append(out, '"')
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses one structured frame. Failures are *Error values wrapping
// ErrUnknownEventType or ErrMalformedEvent.
func (r *Registry) Decode(data []byte) (Event, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid JSON", "")
	}
	if env.Type == nil || strings.TrimSpace(*env.Type) == "" {
		return nil, malformed("type is required", "type")
	}
	k, ok := r.byDisc[*env.Type]
	if !ok {
		return nil, unknownType(*env.Type)
	}

	ptr := reflect.New(k.typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, malformed(fmt.Sprintf("invalid %s payload: %v", k.discriminator, err), "")
	}
	ev := ptr.Elem().Interface().(Event)
	if k.scoped {
		if err := validateScope(ev.(ScopedEvent).Scope()); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func validateScope(c SessionContext) error {
	if strings.TrimSpace(c.SessionID) == "" {
		return malformed("session_id is required", "session_id")
	}
	if strings.TrimSpace(string(c.Role)) == "" {
		return malformed("role is required", "role")
	}
	if !c.Role.Valid() {
		return malformed(fmt.Sprintf("unknown role %q", c.Role), "role")
	}
	return nil
}
