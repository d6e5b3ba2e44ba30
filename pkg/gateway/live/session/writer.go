package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one transport message. Structured events are text frames,
// synthesized speech is binary frames; both share one queue so the writer
// never reorders them.
type outboundFrame struct {
	messageType int
	payload     []byte
}

// outboundWriter is the only goroutine writing to the socket.
type outboundWriter struct {
	ws     wsWriter
	ctx    context.Context
	cfg    Config
	frames <-chan outboundFrame
	// closeMessage returns the close frame sent when ctx ends.
	closeMessage func() []byte
}

const (
	shutdownFlushTimeout = 250 * time.Millisecond
	shutdownFlushFrames  = 64
)

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.flushOnShutdown(writeTimeout)
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if w.closeMessage != nil {
				closeMsg = w.closeMessage()
			}
			_ = w.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.frames:
			if !ok {
				return nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown writes frames that were queued before the session ended,
// such as the events preceding a disconnect, within a short budget.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := shutdownFlushTimeout
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < shutdownFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.frames:
			if !ok {
				return
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(frame.messageType, frame.payload)
}
