package deepgram

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/voice"
)

// STT opens one listen socket per utterance.
type STT struct {
	cfg Config
}

func NewSTT(cfg Config) *STT {
	return &STT{cfg: cfg}
}

func (p *STT) NewSession(ctx context.Context, cfg voice.STTConfig) (voice.STTSession, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = strings.TrimSpace(p.cfg.STTModel)
	}
	if model == "" {
		model = defaultSTTModel
	}
	encoding := strings.TrimSpace(cfg.Encoding)
	if encoding == "" {
		encoding = voice.Encoding
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = voice.InputSampleRate
	}

	q := url.Values{}
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("model", model)
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	q.Set("smart_format", "true")
	if lang := strings.TrimSpace(cfg.Language); lang != "" {
		q.Set("language", lang)
	}

	ws, err := p.cfg.dial(ctx, "/v1/listen", q)
	if err != nil {
		return nil, err
	}
	s := &sttSession{
		conn:        newConn(ws),
		transcripts: make(chan voice.Transcript, 64),
	}
	go s.readLoop()
	return s, nil
}

type sttSession struct {
	*conn
	transcripts chan voice.Transcript
}

func (s *sttSession) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.writeBinary(data)
}

func (s *sttSession) Finalize() error {
	return s.writeJSON(control{Type: "Finalize"})
}

func (s *sttSession) Transcripts() <-chan voice.Transcript { return s.transcripts }

func (s *sttSession) Close() error {
	_ = s.writeJSON(control{Type: string(api.TypeCloseStreamResponse)})
	return s.close()
}

func (s *sttSession) readLoop() {
	defer close(s.transcripts)
	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		t, ok := parseListenMessage(data)
		if !ok {
			continue
		}
		select {
		case s.transcripts <- t:
		case <-s.closed:
			return
		}
	}
}

// results carries the finalize marker next to the SDK's response fields.
type results struct {
	api.MessageResponse
	FromFinalize bool `json:"from_finalize"`
}

func parseListenMessage(data []byte) (voice.Transcript, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return voice.Transcript{}, false
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var msg results
		if err := json.Unmarshal(data, &msg); err != nil {
			return voice.Transcript{}, false
		}
		var text string
		if len(msg.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		}
		end := msg.IsFinal && (msg.SpeechFinal || msg.FromFinalize)
		if text == "" && !end {
			return voice.Transcript{}, false
		}
		return voice.Transcript{Text: text, Final: msg.IsFinal, EndOfUtterance: end}, true
	case api.TypeUtteranceEndResponse:
		return voice.Transcript{Final: true, EndOfUtterance: true}, true
	default:
		return voice.Transcript{}, false
	}
}
