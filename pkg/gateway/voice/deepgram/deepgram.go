// Package deepgram adapts Deepgram's streaming listen and speak websockets to
// the voice collaborator interfaces.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL  = "wss://api.deepgram.com"
	defaultSTTModel = "nova-3"
	defaultTTSModel = "aura-2-thalia-en"
	writeTimeout    = 5 * time.Second
)

type Config struct {
	APIKey string
	// BaseURL overrides the websocket origin, e.g. for tests.
	BaseURL  string
	STTModel string
	TTSModel string
	Dialer   *websocket.Dialer
}

func (c Config) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.RawQuery = q.Encode()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Token " + strings.TrimSpace(c.APIKey)}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram %s: %w (status %d)", path, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial deepgram %s: %w", path, err)
	}
	return conn, nil
}

// conn wraps a provider socket with serialized writes and a one-shot close.
type conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, closed: make(chan struct{})}
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) setErr(err error) {
	if err == nil {
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return
	}
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}

func (c *conn) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

var errClosed = errors.New("deepgram connection closed")

type control struct {
	Type string `json:"type"`
}
