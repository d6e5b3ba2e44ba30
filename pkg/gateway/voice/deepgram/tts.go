package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/voice"
)

// TTS opens one speak socket per voiced turn.
type TTS struct {
	cfg Config
}

func NewTTS(cfg Config) *TTS {
	return &TTS{cfg: cfg}
}

func (p *TTS) NewContext(ctx context.Context, cfg voice.TTSConfig) (voice.TTSContext, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = strings.TrimSpace(p.cfg.TTSModel)
	}
	if model == "" {
		model = defaultTTSModel
	}
	encoding := strings.TrimSpace(cfg.Encoding)
	if encoding == "" {
		encoding = voice.Encoding
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = voice.OutputSampleRate
	}

	q := url.Values{}
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("model", model)
	q.Set("container", "none")

	ws, err := p.cfg.dial(ctx, "/v1/speak", q)
	if err != nil {
		return nil, err
	}
	c := &ttsContext{
		conn:  newConn(ws),
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type ttsContext struct {
	*conn
	audio chan []byte
	done  chan struct{}

	mu       sync.Mutex
	finished bool
	doneOnce sync.Once
}

type speak struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *ttsContext) SendText(text string, final bool) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return fmt.Errorf("tts context already finalized")
	}
	if final {
		c.finished = true
	}
	c.mu.Unlock()

	if strings.TrimSpace(text) != "" {
		if err := c.writeJSON(speak{Type: "Speak", Text: text}); err != nil {
			return err
		}
	}
	if final {
		return c.writeJSON(control{Type: "Flush"})
	}
	return nil
}

func (c *ttsContext) Audio() <-chan []byte { return c.audio }

func (c *ttsContext) Done() <-chan struct{} { return c.done }

func (c *ttsContext) Err() error { return c.err() }

func (c *ttsContext) Close() error {
	_ = c.writeJSON(control{Type: "Close"})
	c.markDone()
	return c.close()
}

func (c *ttsContext) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *ttsContext) readLoop() {
	defer close(c.audio)
	defer c.markDone()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.setErr(err)
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			select {
			case c.audio <- data:
			case <-c.closed:
				return
			}
			continue
		}

		var msg struct {
			Type    string `json:"type"`
			Message string `json:"err_msg"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Flushed":
			c.mu.Lock()
			finished := c.finished
			c.mu.Unlock()
			if finished {
				return
			}
		case "Error":
			c.setErr(fmt.Errorf("deepgram speak error: %s", strings.TrimSpace(msg.Message)))
			return
		}
	}
}
