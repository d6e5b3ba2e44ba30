package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/output"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/voice"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

var errNoSynthesizer = errors.New("no speech synthesizer configured")

// activeTurn is the agent turn in flight. Only the Run goroutine touches it.
type activeTurn struct {
	id      string
	scope   protocol.SessionContext
	span    trace.Span
	started time.Time
	speech  *speechOutput
}

func (t *activeTurn) end(err error) {
	if err != nil && !errors.Is(err, errClosed) && !errors.Is(err, context.Canceled) {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	}
	t.span.End()
}

type turnResult struct {
	id       string
	messages []conversations.Message
	text     string
	err      error
	ttsErr   error
}

// beginAgentTurn records the user's input and starts the agent on it. The
// caller has already moved the turn to the agent.
func (s *Session) beginAgentTurn(text string) error {
	input, err := conversations.TextMessage(s.conversation.Family, protocol.RoleUser, text)
	if err != nil {
		if err := s.sendError(err, protocol.SourceConversation); err != nil {
			return err
		}
		return s.grant()
	}
	change, err := s.convs.AppendMessages(s.ctx, s.conversation, input)
	if err != nil {
		if err := s.sendError(conversationError(err, ""), protocol.SourceConversation); err != nil {
			return err
		}
		return s.grant()
	}
	s.conversation = change.Conversation
	if err := s.send(change.Event); err != nil {
		return err
	}
	return s.startAgentTurn(input, text)
}

func (s *Session) startAgentTurn(input conversations.Message, text string) error {
	agentDef, ok := s.catalog.Agent(s.conversation.AgentKey)
	if !ok {
		s.logger.Warn("conversation agent missing from catalog", "agent_key", s.conversation.AgentKey)
		if err := s.notify(protocol.SeverityError, "agent_unavailable",
			fmt.Sprintf("agent %q is not available", s.conversation.AgentKey), protocol.SourceAgent); err != nil {
			return err
		}
		return s.grant()
	}

	turnID := mnemonic.Compose(s.connectionID, mnemonic.MustGenerate(1)).String()
	ctx, span := tracer.Start(s.ctx, "live.turn", trace.WithAttributes(
		attribute.String("connection_id", s.connectionID.String()),
		attribute.String("conversation_id", s.conversation.ID.String()),
		attribute.String("turn_id", turnID),
		attribute.String("agent", agentDef.Key),
	))
	scope := s.conversation.Scope(protocol.RoleAssistant)
	s.active = &activeTurn{id: turnID, scope: scope, span: span, started: s.now()}

	req := agent.TurnRequest{
		ConnectionID:   s.connectionID.String(),
		ConversationID: s.conversation.ID.String(),
		TurnID:         turnID,
		Agent:          agentDef,
		History:        s.conversation.Clone().Messages,
		Input:          input,
		Text:           text,
	}

	var (
		speech  *speechOutput
		openErr error
	)
	if snap := s.output.Snapshot(); snap.SynthesizesAudio() {
		speech, openErr = s.openSpeech(ctx, snap)
	}

	s.active.speech = speech
	s.logger.Debug("agent turn started", "turn_id", turnID, "agent", agentDef.Key, "voiced", speech != nil)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.runAgentTurn(ctx, req, scope, speech)
		if res.ttsErr == nil {
			res.ttsErr = openErr
		}
		select {
		case s.turnResults <- res:
		case <-s.ctx.Done():
		}
	}()
	return nil
}

func (s *Session) runAgentTurn(ctx context.Context, req agent.TurnRequest, scope protocol.SessionContext, speech *speechOutput) turnResult {
	sink := &turnSink{s: s, turnID: req.TurnID, scope: scope, speech: speech}
	err := s.agent.RunTurn(ctx, req, sink)

	res := turnResult{id: req.TurnID, messages: sink.messages, text: sink.text.String(), err: err}
	if speech != nil {
		if ctx.Err() != nil {
			speech.abort()
		} else {
			res.ttsErr = speech.finish(ctx)
		}
	}
	return res
}

// finishAgentTurn commits the turn's messages and hands the turn back.
func (s *Session) finishAgentTurn(res turnResult) error {
	t := s.active
	if t == nil || t.id != res.id {
		return nil
	}
	s.active = nil

	msgs := res.messages
	if len(msgs) == 0 && res.err == nil && strings.TrimSpace(res.text) != "" {
		if m, err := conversations.TextMessage(s.conversation.Family, protocol.RoleAssistant, res.text); err == nil {
			msgs = []conversations.Message{m}
		}
	}
	if len(msgs) > 0 {
		change, err := s.convs.AppendMessages(s.ctx, s.conversation, msgs...)
		if err != nil {
			if err := s.sendError(conversationError(err, ""), protocol.SourceConversation); err != nil {
				return err
			}
		} else {
			s.conversation = change.Conversation
			if err := s.send(change.Event); err != nil {
				return err
			}
		}
	}

	if err := s.send(protocol.TextCompletedEvent{SessionContext: t.scope, TurnID: t.id, Text: res.text}); err != nil {
		return err
	}

	outcome := "completed"
	if res.err != nil {
		outcome = "error"
		s.logger.Error("agent turn failed", "turn_id", t.id, "error", res.err)
		if err := s.notify(protocol.SeverityError, "agent_error", "the agent could not complete the turn", protocol.SourceAgent); err != nil {
			return err
		}
	}
	if res.ttsErr != nil {
		s.logger.Warn("speech synthesis failed", "turn_id", t.id, "error", res.ttsErr)
		if err := s.notify(protocol.SeverityWarning, "tts_error", "speech synthesis failed, text output is unaffected", protocol.SourceTTS); err != nil {
			return err
		}
	}

	t.end(res.err)
	s.metrics.RecordTurn(outcome, s.now().Sub(t.started))
	return s.grant()
}

// turnSink forwards runtime output. The runtime calls it from one goroutine.
type turnSink struct {
	s      *Session
	turnID string
	scope  protocol.SessionContext
	speech *speechOutput

	text     strings.Builder
	messages []conversations.Message
}

func (k *turnSink) TextDelta(text string) error {
	if text == "" {
		return nil
	}
	k.text.WriteString(text)
	if err := k.s.send(protocol.TextDeltaEvent{SessionContext: k.scope, TurnID: k.turnID, Delta: text}); err != nil {
		return err
	}
	if k.speech != nil {
		k.speech.push(text)
	}
	return nil
}

func (k *turnSink) Message(m conversations.Message) error {
	k.messages = append(k.messages, m)
	return nil
}

func (k *turnSink) Event(name string, data json.RawMessage) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agent event name is required")
	}
	return k.s.send(protocol.AgentActivityEvent{SessionContext: k.scope, Name: name, Data: data})
}

// silenceTurn stops audio for the rest of the active turn once the output
// selection no longer synthesizes it. Text deltas keep flowing.
func (s *Session) silenceTurn(snap output.Snapshot) {
	if s.active == nil || s.active.speech == nil || snap.SynthesizesAudio() {
		return
	}
	s.active.speech.mute()
	s.logger.Debug("agent turn audio stopped", "turn_id", s.active.id, "mode", string(snap.Mode))
}

func (s *Session) openSpeech(ctx context.Context, snap output.Snapshot) (*speechOutput, error) {
	if s.tts == nil {
		return nil, errNoSynthesizer
	}
	model := snap.Voice
	if v, ok := s.catalog.Voice(snap.Voice); ok && v.Model != "" {
		model = v.Model
	}
	tctx, err := s.tts.NewContext(ctx, voice.TTSConfig{
		Voice:      snap.Voice,
		Model:      model,
		Encoding:   voice.Encoding,
		SampleRate: voice.OutputSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("open speech synthesis: %w", err)
	}
	o := &speechOutput{
		tts:     tctx,
		chunker: newSpeechChunker(defaultSpeechChunkConfig()),
		done:    make(chan struct{}),
	}
	go o.pump(ctx, s.sendAudio)
	return o, nil
}

// speechOutput feeds one turn's text into a synthesis context and queues the
// audio it returns as binary frames. push, finish and abort run on the agent
// goroutine; mute may be called from any goroutine.
type speechOutput struct {
	tts     voice.TTSContext
	chunker *speechChunker
	done    chan struct{}
	err     error
	closed  bool

	// mu is held while an audio frame is queued, so no frame is queued
	// after mute returns.
	mu    sync.Mutex
	muted bool
}

func (o *speechOutput) mute() {
	o.mu.Lock()
	o.muted = true
	o.mu.Unlock()
}

func (o *speechOutput) isMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *speechOutput) push(delta string) {
	if o.isMuted() {
		o.closeTTS()
		return
	}
	for _, chunk := range o.chunker.Push(delta) {
		o.sendText(chunk, false)
	}
}

func (o *speechOutput) closeTTS() {
	if !o.closed {
		o.closed = true
		_ = o.tts.Close()
	}
}

func (o *speechOutput) sendText(text string, final bool) {
	if o.err != nil || o.closed {
		return
	}
	if err := o.tts.SendText(text, final); err != nil {
		o.err = err
	}
}

// finish flushes the remaining text and waits for the last audio frame to
// be queued.
func (o *speechOutput) finish(ctx context.Context) error {
	if o.isMuted() {
		o.abort()
		return nil
	}
	for _, chunk := range o.chunker.Flush() {
		o.sendText(chunk, false)
	}
	o.sendText("", true)

	select {
	case <-o.done:
	case <-ctx.Done():
	}
	if o.err == nil {
		o.err = o.tts.Err()
	}
	o.closeTTS()
	<-o.done
	return o.err
}

func (o *speechOutput) abort() {
	o.closeTTS()
	<-o.done
}

func (o *speechOutput) pump(ctx context.Context, send func([]byte) error) {
	defer close(o.done)
	audio := o.tts.Audio()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audio:
			if !ok {
				return
			}
			o.mu.Lock()
			var err error
			if !o.muted {
				err = send(chunk)
			}
			o.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
