// Package session runs one live connection: the initialization sequence, the
// turn discipline, the audio multiplex, and the conversation commands.
//
// Each connection is a single actor. One goroutine reads frames, one writes
// them, and the Run loop owns all mutable state; agent turns and speech
// recognition run on their own goroutines and report back over channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/output"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/live/turn"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/voice"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

var (
	errClosed       = errors.New("live session closed")
	errDisconnect   = errors.New("client disconnected")
	errWarningsFull = errors.New("warning queue full")
)

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	// InitTimeout bounds catalog loading and conversation resume before the
	// first event is written.
	InitTimeout       time.Duration
	OutboundQueueSize int
	STTModel          string
	STTLanguage       string
}

type Dependencies struct {
	Conn    *websocket.Conn
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	User         protocol.User
	ConnectionID mnemonic.ID
	// Resumed is the cached state of a previous connection with the same
	// id, or nil.
	Resumed *sessions.Entry
	// ConversationID is the conversation the client asked to resume.
	// Empty falls back to the cached conversation, then to a new one.
	ConversationID string

	Catalog       catalog.Source
	Conversations *conversations.Manager
	Agent         agent.Runtime
	STT           voice.STTProvider
	TTS           voice.TTSProvider

	Config Config
	Now    func() time.Time
}

type Session struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	metrics      *metrics.Metrics
	user         protocol.User
	connectionID mnemonic.ID
	resumed      bool
	requested    string
	catalogSrc   catalog.Source
	convs        *conversations.Manager
	agent        agent.Runtime
	stt          voice.STTProvider
	tts          voice.TTSProvider
	cfg          Config
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound    chan outboundFrame
	turnResults chan turnResult
	sttEvents   chan sttEvent
	// warnings is read by the Run loop only after turn_granted.
	warnings chan protocol.NotificationEvent
	wg       sync.WaitGroup

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
	outcome     string

	// Owned by the Run goroutine.
	catalog      catalog.Catalog
	turns        *turn.Coordinator
	output       *output.Selection
	conversation conversations.Conversation
	ingress      *audioIngress
	utter        *utterance
	utterSeq     int
	active       *activeTurn

	entryMu sync.Mutex
	entry   sessions.Entry
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Conversations == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	if strings.TrimSpace(deps.User.ID) == "" {
		return nil, fmt.Errorf("user is required")
	}
	if _, err := mnemonic.Parse(deps.ConnectionID.String()); err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.InitTimeout <= 0 {
		deps.Config.InitTimeout = 10 * time.Second
	}

	sel := output.NewSelection()
	requested := strings.TrimSpace(deps.ConversationID)
	if deps.Resumed != nil {
		sel = deps.Resumed.Selection()
		if requested == "" {
			requested = deps.Resumed.ConversationID
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:         deps.Conn,
		logger:       deps.Logger.With("connection_id", deps.ConnectionID.String()),
		metrics:      deps.Metrics,
		user:         deps.User,
		connectionID: deps.ConnectionID,
		resumed:      deps.Resumed != nil,
		requested:    requested,
		catalogSrc:   deps.Catalog,
		convs:        deps.Conversations,
		agent:        deps.Agent,
		stt:          deps.STT,
		tts:          deps.TTS,
		cfg:          deps.Config,
		now:          deps.Now,
		ctx:          ctx,
		cancel:       cancel,
		outbound:     make(chan outboundFrame, deps.Config.OutboundQueueSize),
		turnResults:  make(chan turnResult, 1),
		sttEvents:    make(chan sttEvent, 16),
		warnings:     make(chan protocol.NotificationEvent, 4),
		closeCode:    protocol.CloseNormal,
		turns:        turn.New(),
		output:       sel,
		ingress:      newAudioIngress(deps.Config, deps.Now),
	}
	return s, nil
}

// Run drives the connection until the transport closes, the client
// disconnects, or the session is canceled. The connection is closed on return.
func (s *Session) Run() error {
	defer s.cancel()

	s.metrics.RecordConnectionStart()
	defer func() { s.metrics.RecordConnectionEnd(s.outcomeOr("normal")) }()

	readLimit := s.cfg.MaxJSONMessageBytes
	if audio := int64(s.cfg.MaxAudioFrameBytes); audio > readLimit {
		readLimit = audio
	}
	if readLimit > 0 {
		// Frames up to twice the configured limits get a per-message error;
		// anything larger fails the read.
		s.conn.SetReadLimit(readLimit * 2)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerDone := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			cfg:          s.cfg,
			frames:       s.outbound,
			closeMessage: s.closeMessage,
		}
		err := w.Run()
		if err != nil {
			s.setOutcome("write_error")
			s.cancel()
		}
		writerDone <- err
	}()

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	defer s.shutdown(writerDone)

	if err := s.initialize(); err != nil {
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			s.setOutcome("canceled")
			return nil
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.setOutcome("client_closed")
					return nil
				}
				if s.ctx.Err() != nil {
					return nil
				}
				s.setOutcome("read_error")
				return frame.err
			}
			if err := s.handleFrame(frame); err != nil {
				if errors.Is(err, errDisconnect) {
					s.setOutcome("client_disconnect")
					return nil
				}
				if errors.Is(err, errClosed) {
					return nil
				}
				return err
			}
		case res := <-s.turnResults:
			if err := s.finishAgentTurn(res); err != nil {
				return nil
			}
		case ev := <-s.sttEvents:
			if err := s.handleTranscript(ev); err != nil {
				return nil
			}
		case ev := <-s.warnings:
			if err := s.send(ev); err != nil {
				return nil
			}
		}
	}
}

func (s *Session) shutdown(writerDone <-chan error) {
	s.cancel()
	if s.utter != nil {
		_ = s.utter.stt.Close()
		s.utter = nil
	}
	s.wg.Wait()
	if s.active != nil {
		s.active.end(errClosed)
		s.active = nil
	}
	if !s.conversation.Persisted && s.conversation.ID != "" {
		s.convs.Discard(s.conversation.ID)
	}

	snap := s.output.Snapshot()
	s.entryMu.Lock()
	s.entry = sessions.Entry{
		Owner:             s.user.ID,
		Mode:              snap.Mode,
		Voice:             snap.Voice,
		LastConcreteVoice: s.output.LastConcreteVoice(),
	}
	if s.conversation.Persisted {
		s.entry.ConversationID = s.conversation.ID.String()
	}
	s.entryMu.Unlock()

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-writerDone:
	case <-timer.C:
	}
}

// initialize emits the seven-event sequence ending in turn_granted. Nothing
// else is written before it completes.
func (s *Session) initialize() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.InitTimeout)
	defer cancel()

	cat, err := s.catalogSrc.Snapshot(ctx)
	if err != nil {
		return s.failInit("load catalog", err)
	}
	s.catalog = cat
	defaultAgent, ok := cat.DefaultAgent()
	if !ok {
		return s.failInit("load catalog", fmt.Errorf("catalog has no default agent"))
	}

	conv, status, err := s.convs.ResumeOrCreate(ctx, s.user.ID, s.requested, defaultAgent)
	if err != nil {
		return s.failInit("resume conversation", err)
	}
	s.conversation = conv
	if status == conversations.StatusNotFound {
		s.logger.Info("live conversation not found, starting fresh", "requested", s.requested, "conversation_id", conv.ID.String())
	}

	snap := s.output.Snapshot()
	sequence := []protocol.Event{
		protocol.CurrentUserEvent{
			User:         s.user,
			ConnectionID: s.connectionID.String(),
			Resumed:      s.resumed,
			OutputMode:   string(snap.Mode),
			Voice:        snap.Voice,
		},
		protocol.AvatarCatalogEvent{Avatars: orEmpty(cat.Avatars)},
		protocol.VoiceCatalogEvent{Voices: orEmpty(cat.Voices)},
		protocol.AgentCatalogEvent{Agents: orEmpty(cat.Agents), DefaultAgent: defaultAgent.Key},
		protocol.ToolCatalogEvent{Tools: orEmpty(cat.Tools)},
		s.conversationState(status, s.requested),
	}
	for _, ev := range sequence {
		if err := s.send(ev); err != nil {
			return err
		}
	}
	s.logger.Debug("live session initialized", "conversation_id", conv.ID.String(), "resume", status)
	return s.grant()
}

func (s *Session) failInit(step string, err error) error {
	code, reason := protocol.CloseInternal, "initialization failed"
	if errors.Is(err, context.DeadlineExceeded) {
		code, reason = protocol.CloseInitTimeout, "initialization timed out"
	}
	s.logger.Error("live session initialization failed", "step", step, "error", err)
	s.setOutcome("init_failed")
	s.closeWith(code, reason)
	return fmt.Errorf("%s: %w", step, err)
}

func (s *Session) conversationState(status, requested string) protocol.ConversationStateEvent {
	return protocol.ConversationStateEvent{
		SessionContext: s.conversation.Scope(protocol.RoleSystem),
		Conversation:   s.conversation.Wire(),
		Resume:         protocol.ResumeInfo{Requested: requested, Status: status},
	}
}

func (s *Session) grant() error {
	ev, err := s.turns.Grant()
	if err != nil {
		s.logger.Debug("turn already granted", "error", err)
		return nil
	}
	return s.send(ev)
}

func (s *Session) handleFrame(frame inboundFrame) error {
	switch frame.messageType {
	case websocket.BinaryMessage:
		return s.handleAudio(frame.data)
	case websocket.TextMessage:
		return s.handleEvent(frame.data)
	default:
		return nil
	}
}

// send encodes a server event and queues it behind everything already queued.
// It is safe for concurrent use.
func (s *Session) send(ev protocol.Event) error {
	payload, err := protocol.Server.Encode(ev)
	if err != nil {
		s.logger.Error("live event encode failed", "error", err)
		return nil
	}
	if typ, ok := protocol.Server.Type(ev); ok {
		s.metrics.RecordEvent("out", typ)
	}
	return s.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: payload})
}

func (s *Session) sendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	if err := s.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: buf}); err != nil {
		return err
	}
	s.metrics.RecordAudio("out", len(buf))
	return nil
}

// sendError answers a rejected message. The connection stays open.
func (s *Session) sendError(err error, source string) error {
	ev := protocol.ErrorEventFor(err, source)
	if ev.Code == protocol.CodeInternal {
		s.logger.Error("live request failed", "source", source, "error", err)
	}
	return s.send(ev)
}

func (s *Session) notify(severity, code, message, source string) error {
	return s.send(protocol.NotificationEvent{Severity: severity, Code: code, Message: message, Source: source})
}

func (s *Session) enqueue(frame outboundFrame) error {
	select {
	case <-s.ctx.Done():
		return errClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.ctx.Done():
		return errClosed
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) closeWith(code int, reason string) {
	s.closeMu.Lock()
	s.closeCode, s.closeReason = code, reason
	s.closeMu.Unlock()
	s.cancel()
}

func (s *Session) closeMessage() []byte {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return websocket.FormatCloseMessage(s.closeCode, s.closeReason)
}

func (s *Session) setOutcome(outcome string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.outcome == "" {
		s.outcome = outcome
	}
}

func (s *Session) outcomeOr(fallback string) string {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.outcome == "" {
		return fallback
	}
	return s.outcome
}

// Cancel closes the connection with "going away". Safe for concurrent use.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.setOutcome("canceled")
	s.closeWith(protocol.CloseGoingAway, "server closing connection")
}

// SendWarning hands a warning notification to the Run loop, which writes it
// once the initialization sequence is complete. Safe for concurrent use.
func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return errClosed
	}
	ev := protocol.NotificationEvent{Severity: protocol.SeverityWarning, Code: code, Message: message, Source: protocol.SourceServer}
	select {
	case s.warnings <- ev:
		return nil
	default:
		return errWarningsFull
	}
}

// Entry is the state to retain for a later resume. It is valid once Run has
// returned.
func (s *Session) Entry() sessions.Entry {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	return s.entry
}

func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
