// Package output tracks how agent output is rendered for one connection.
package output

import (
	"errors"
	"fmt"
	"strings"
)

type Mode string

const (
	ModeText   Mode = "text"
	ModeVoiced Mode = "voiced"
	ModeAvatar Mode = "avatar"
)

// AvatarVoice is the reserved voice value meaning a third-party renderer
// produces audio and video out of band. No binary audio is emitted for it.
const AvatarVoice = "avatar"

// TextVoice is the voice value of text-only output.
const TextVoice = ""

var ErrInvalidMode = errors.New("invalid output mode")

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeText, ModeVoiced, ModeAvatar:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Snapshot is an immutable view of a selection, taken once per agent turn.
type Snapshot struct {
	Mode  Mode
	Voice string
}

// SynthesizesAudio reports whether this core should produce binary audio.
func (s Snapshot) SynthesizesAudio() bool {
	return s.Mode == ModeVoiced && s.Voice != TextVoice && s.Voice != AvatarVoice
}

// Selection is the per-connection output state. It is owned by the
// connection's actor and is not safe for concurrent use.
type Selection struct {
	mode         Mode
	voice        string
	lastConcrete string
}

func NewSelection() *Selection {
	return &Selection{mode: ModeText, voice: TextVoice}
}

// Restore rebuilds a selection from cached state. Inconsistent input falls
// back to text output.
func Restore(mode Mode, voice, lastConcrete string) *Selection {
	s := &Selection{mode: ModeText, voice: TextVoice, lastConcrete: lastConcrete}
	switch mode {
	case ModeAvatar:
		s.mode, s.voice = ModeAvatar, AvatarVoice
	case ModeVoiced:
		if voice != TextVoice && voice != AvatarVoice {
			s.mode, s.voice = ModeVoiced, voice
			if s.lastConcrete == "" {
				s.lastConcrete = voice
			}
		}
	}
	return s
}

func (s *Selection) Snapshot() Snapshot { return Snapshot{Mode: s.mode, Voice: s.voice} }

func (s *Selection) Mode() Mode { return s.mode }

func (s *Selection) Voice() string { return s.voice }

// LastConcreteVoice is the most recently selected real voice, if any.
func (s *Selection) LastConcreteVoice() string { return s.lastConcrete }

// SetMode switches the render mode and returns the effective selection.
// Avatar implies AvatarVoice. Leaving avatar restores the last concrete voice,
// and with none on record the selection falls back to text.
func (s *Selection) SetMode(m Mode) Snapshot {
	switch m {
	case ModeAvatar:
		s.mode, s.voice = ModeAvatar, AvatarVoice
	case ModeVoiced:
		if s.lastConcrete == "" {
			s.mode, s.voice = ModeText, TextVoice
		} else {
			s.mode, s.voice = ModeVoiced, s.lastConcrete
		}
	default:
		s.mode, s.voice = ModeText, TextVoice
	}
	return s.Snapshot()
}

// SetVoice records a concrete voice. It takes effect immediately in voiced
// mode and is remembered for later otherwise.
func (s *Selection) SetVoice(voice string) (Snapshot, error) {
	voice = strings.TrimSpace(voice)
	if voice == TextVoice || strings.EqualFold(voice, AvatarVoice) {
		return s.Snapshot(), fmt.Errorf("voice %q is reserved", voice)
	}
	s.lastConcrete = voice
	if s.mode == ModeVoiced {
		s.voice = voice
	}
	return s.Snapshot(), nil
}
