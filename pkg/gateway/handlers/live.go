package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/principal"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-relay/pkg/gateway/voice"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

// Connection parameters of the live endpoint.
const (
	liveTokenParam          = "token"
	liveConnectionIDParam   = "connection_id"
	liveConversationIDParam = "conversation_id"
)

var (
	errMissingToken    = errors.New("missing bearer token")
	errSessionStarting = errors.New("live session is still starting")
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tokens    *auth.Tokens
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Versions  *mw.VersionGate

	Tracker *sessions.Tracker
	Cache   *sessions.Cache

	Catalog       catalog.Source
	Conversations *conversations.Manager
	Agent         agent.Runtime
	STT           voice.STTProvider
	TTS           voice.TTSProvider
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrAPI, Message: "relay is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !mw.OriginAllowed(h.Config.CORSAllowedOrigins, r.Header.Get("Origin")) {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := h.logger().With("request_id", reqID)

	// Nothing is written before these checks pass; failures only close.
	if err := h.Versions.Allow(mw.RequestClientVersion(r)); err != nil {
		h.reject(conn, protocol.CloseMalformedHandshake, "unsupported client version", "bad_version")
		return
	}
	p, err := h.authenticate(r)
	if err != nil {
		logger.Info("live connection rejected", "error", err)
		h.reject(conn, protocol.CloseUnauthorized, "unauthorized", "unauthorized")
		return
	}
	connID, err := connectionID(r)
	if err != nil {
		h.reject(conn, protocol.CloseMalformedHandshake, "malformed connection_id", "bad_handshake")
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get(liveConversationIDParam))
	if conversationID != "" && !mnemonic.Valid(conversationID) {
		h.reject(conn, protocol.CloseMalformedHandshake, "malformed conversation_id", "bad_handshake")
		return
	}

	if h.Limiter != nil && h.Config.WSMaxSessionsPerPrincipal > 0 {
		dec := h.Limiter.AcquireLiveSession(principal.ForAuthenticated(r, h.Config, p.UserID).Key, time.Now())
		if !dec.Allowed {
			h.reject(conn, protocol.CloseTooManySessions, "too many live sessions", "rate_limited")
			return
		}
		defer dec.Permit.Release()
	}

	// Register before taking the resume entry: a reconnect by the same user
	// cancels the previous holder and waits for it to cache its state.
	holder := &liveHolder{}
	released := make(chan struct{})
	defer close(released)
	unregister, err := h.Tracker.Register(connID, sessions.Handle{
		Owner:    p.UserID,
		Cancel:   holder.cancel,
		Warn:     holder.warn,
		Released: released,
	})
	if err != nil {
		logger.Info("live connection rejected", "connection_id", connID.String(), "error", err)
		h.reject(conn, protocol.CloseMalformedHandshake, "connection_id in use", "conflict")
		return
	}
	defer unregister()

	var resumed *sessions.Entry
	if entry, ok := h.Cache.Take(connID, p.UserID); ok {
		resumed = &entry
	}

	s, err := session.New(session.Dependencies{
		Conn:           conn,
		Logger:         logger,
		Metrics:        h.Metrics,
		User:           protocol.User{ID: p.UserID, Name: p.Name},
		ConnectionID:   connID,
		Resumed:        resumed,
		ConversationID: conversationID,
		Catalog:        h.Catalog,
		Conversations:  h.Conversations,
		Agent:          h.Agent,
		STT:            h.STT,
		TTS:            h.TTS,
		Config: session.Config{
			MaxAudioFrameBytes:     h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
			MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
			PingInterval:           h.Config.LiveWSPingInterval,
			WriteTimeout:           h.Config.LiveWSWriteTimeout,
			ReadTimeout:            h.Config.LiveWSReadTimeout,
			InitTimeout:            h.Config.LiveInitTimeout,
			OutboundQueueSize:      h.Config.LiveOutboundQueueSize,
			STTModel:               h.Config.DeepgramSTTModel,
			STTLanguage:            h.Config.STTLanguage,
		},
	})
	if err != nil {
		logger.Error("live session setup failed", "error", err)
		if resumed != nil {
			h.Cache.Put(connID, *resumed)
		}
		h.reject(conn, protocol.CloseInternal, "internal error", "internal")
		return
	}

	holder.bind(s)

	if err := s.Run(); err != nil {
		logger.Warn("live session ended with error", "connection_id", connID.String(), "error", err)
	}
	h.Cache.Put(connID, s.Entry())
}

// liveHolder stands in for a session in the tracker until the session is
// built. A cancel that arrives first is applied on bind.
type liveHolder struct {
	mu       sync.Mutex
	s        *session.Session
	canceled bool
}

func (l *liveHolder) bind(s *session.Session) {
	l.mu.Lock()
	l.s = s
	canceled := l.canceled
	l.mu.Unlock()
	if canceled {
		s.Cancel()
	}
}

func (l *liveHolder) cancel() {
	l.mu.Lock()
	l.canceled = true
	s := l.s
	l.mu.Unlock()
	s.Cancel()
}

func (l *liveHolder) warn(code, message string) error {
	l.mu.Lock()
	s := l.s
	l.mu.Unlock()
	if s == nil {
		return errSessionStarting
	}
	return s.SendWarning(code, message)
}

// authenticate accepts the token from the query string, where browsers must
// put it, or from the Authorization header.
func (h LiveHandler) authenticate(r *http.Request) (auth.Principal, error) {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return auth.Principal{UserID: auth.AnonymousUser, Name: auth.AnonymousUser}, nil
	}
	token := strings.TrimSpace(r.URL.Query().Get(liveTokenParam))
	if token == "" {
		token, _ = auth.ParseBearer(r)
	}
	if token == "" {
		return auth.Principal{}, errMissingToken
	}
	if h.Tokens == nil {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return h.Tokens.Verify(token)
}

// connectionID returns the client supplied id, or a fresh one when the
// client connects without exchanging a token first.
func connectionID(r *http.Request) (mnemonic.ID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(liveConnectionIDParam))
	if raw == "" {
		return mnemonic.MustGenerate(mnemonic.ConnectionWords), nil
	}
	return mnemonic.ParseID(raw)
}

// reject closes a freshly upgraded connection without sending any event.
func (h LiveHandler) reject(conn *websocket.Conn, code int, reason, outcome string) {
	h.Metrics.RecordConnection(outcome)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = conn.Close()
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
