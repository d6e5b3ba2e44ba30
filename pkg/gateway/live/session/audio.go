package session

import (
	"errors"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/turn"
	"github.com/vango-go/vai-relay/pkg/gateway/voice"
)

var errNoRecognizer = errors.New("no speech recognizer configured")

// utterance is one stretch of client audio feeding a dedicated recognizer
// session. seq tells its transcripts apart from those of earlier utterances.
type utterance struct {
	seq    int
	stt    voice.STTSession
	finals []string
}

type sttEvent struct {
	seq        int
	transcript voice.Transcript
	// closed reports that the recognizer stopped producing transcripts.
	closed bool
}

// handleAudio routes one binary frame. Frames rejected by the turn gate or
// the ingress limits are dropped and never reach the recognizer.
func (s *Session) handleAudio(data []byte) error {
	if err := s.turns.CheckAudioFrame(); err != nil {
		s.metrics.RecordTurnViolation("audio")
		return s.sendError(err, protocol.SourceAudio)
	}
	if err := s.ingress.Admit(len(data)); err != nil {
		return s.sendError(err, protocol.SourceAudio)
	}

	ended, err := s.turns.AcceptAudioFrame()
	if err != nil {
		return s.sendError(err, protocol.SourceAudio)
	}
	if ended != nil {
		if err := s.send(*ended); err != nil {
			return err
		}
		if err := s.openUtterance(); err != nil {
			s.logger.Warn("speech recognition unavailable", "error", err)
			s.turns.EndUtterance()
			if err := s.notify(protocol.SeverityError, "stt_unavailable", "speech recognition is unavailable", protocol.SourceSTT); err != nil {
				return err
			}
			return s.grant()
		}
	}
	if s.utter == nil {
		return nil
	}

	s.metrics.RecordAudio("in", len(data))
	if err := s.utter.stt.SendAudio(data); err != nil {
		return s.abortUtterance(err)
	}
	return nil
}

func (s *Session) openUtterance() error {
	if s.stt == nil {
		return errNoRecognizer
	}
	sess, err := s.stt.NewSession(s.ctx, voice.STTConfig{
		Model:      s.cfg.STTModel,
		Language:   s.cfg.STTLanguage,
		Encoding:   voice.Encoding,
		SampleRate: voice.InputSampleRate,
	})
	if err != nil {
		return err
	}
	s.utterSeq++
	s.utter = &utterance{seq: s.utterSeq, stt: sess}

	s.wg.Add(1)
	go s.pumpTranscripts(s.utterSeq, sess)
	return nil
}

func (s *Session) pumpTranscripts(seq int, sess voice.STTSession) {
	defer s.wg.Done()
	transcripts := sess.Transcripts()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-transcripts:
			ev := sttEvent{seq: seq, transcript: tr, closed: !ok}
			select {
			case s.sttEvents <- ev:
			case <-s.ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}
}

func (s *Session) handleTranscript(ev sttEvent) error {
	u := s.utter
	if u == nil || ev.seq != u.seq {
		return nil
	}
	if ev.closed {
		return s.finishUtterance()
	}

	tr := ev.transcript
	if text := strings.TrimSpace(tr.Text); text != "" {
		if err := s.send(protocol.TranscriptEvent{
			SessionContext: s.conversation.Scope(protocol.RoleUser),
			Text:           text,
			Final:          tr.Final,
		}); err != nil {
			return err
		}
		if tr.Final {
			u.finals = append(u.finals, text)
		}
	}
	if tr.EndOfUtterance {
		return s.finishUtterance()
	}
	return nil
}

// finishUtterance closes the recognizer and hands the final transcript to
// the agent. With nothing recognized the turn goes straight back to the
// client.
func (s *Session) finishUtterance() error {
	u := s.utter
	s.utter = nil
	s.turns.EndUtterance()
	if err := u.stt.Close(); err != nil {
		s.logger.Debug("speech recognizer close failed", "error", err)
	}

	text := strings.Join(u.finals, " ")
	if text == "" {
		if err := s.notify(protocol.SeverityInfo, "no_speech", "no speech was recognized", protocol.SourceSTT); err != nil {
			return err
		}
		return s.grant()
	}
	return s.beginAgentTurn(text)
}

// handleAudioInputEnd marks the end of client audio. Without an open
// utterance it is an error in the user turn and ignored otherwise, since
// the recognizer may already have ended the utterance.
func (s *Session) handleAudioInputEnd() error {
	if s.utter == nil || !s.turns.UtteranceOpen() {
		if s.turns.State() == turn.UserTurn {
			return s.sendError(protocol.NewError(errInvalidInput, protocol.CodeInvalidRequest, "no audio input is in progress", "type"), protocol.SourceAudio)
		}
		return nil
	}
	s.turns.EndUtterance()
	if err := s.utter.stt.Finalize(); err != nil {
		return s.abortUtterance(err)
	}
	return nil
}

func (s *Session) abortUtterance(cause error) error {
	s.logger.Warn("speech recognition failed", "error", cause)
	if u := s.utter; u != nil {
		s.utter = nil
		_ = u.stt.Close()
	}
	s.turns.EndUtterance()
	if err := s.notify(protocol.SeverityError, "stt_error", "speech recognition failed", protocol.SourceSTT); err != nil {
		return err
	}
	return s.grant()
}
