package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"golang.org/x/time/rate"
)

var (
	errFrameTooLarge = errors.New("frame too large")
	errRateLimited   = errors.New("inbound audio rate exceeded")
)

// audioIngress admits inbound binary frames: a size cap plus frames/s and
// bytes/s buckets holding InboundBurstSeconds worth of tokens. Rejected frames
// are dropped, never queued.
type audioIngress struct {
	maxFrameBytes int
	now           func() time.Time
	frames        *rate.Limiter
	bytes         *rate.Limiter
}

func newAudioIngress(cfg Config, now func() time.Time) *audioIngress {
	if now == nil {
		now = time.Now
	}
	burst := cfg.InboundBurstSeconds
	if burst <= 0 {
		burst = 1
	}
	g := &audioIngress{maxFrameBytes: cfg.MaxAudioFrameBytes, now: now}
	if cfg.MaxAudioFPS > 0 {
		g.frames = rate.NewLimiter(rate.Limit(cfg.MaxAudioFPS), cfg.MaxAudioFPS*burst)
	}
	if cfg.MaxAudioBytesPerSecond > 0 {
		g.bytes = rate.NewLimiter(rate.Limit(cfg.MaxAudioBytesPerSecond), int(cfg.MaxAudioBytesPerSecond)*burst)
	}
	return g
}

// Admit returns a *protocol.Error when the frame must be dropped. A dropped
// frame consumes no tokens from either bucket.
func (g *audioIngress) Admit(frameBytes int) error {
	if g == nil {
		return nil
	}
	if g.maxFrameBytes > 0 && frameBytes > g.maxFrameBytes {
		return protocol.NewError(errFrameTooLarge, protocol.CodeFrameTooLarge,
			fmt.Sprintf("audio frame of %d bytes exceeds the %d byte limit", frameBytes, g.maxFrameBytes), "")
	}
	now := g.now()

	var frame *rate.Reservation
	if g.frames != nil {
		frame = g.frames.ReserveN(now, 1)
		if !frame.OK() || frame.DelayFrom(now) > 0 {
			frame.CancelAt(now)
			return protocol.NewError(errRateLimited, protocol.CodeRateLimited, "too many audio frames per second", "")
		}
	}
	if g.bytes != nil {
		r := g.bytes.ReserveN(now, frameBytes)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			if frame != nil {
				frame.CancelAt(now)
			}
			return protocol.NewError(errRateLimited, protocol.CodeRateLimited, "too many audio bytes per second", "")
		}
	}
	return nil
}
