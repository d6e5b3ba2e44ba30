// Package voice declares the speech-to-text and text-to-speech collaborators
// used by live sessions. Audio on both sides is headerless mono linear16 PCM.
package voice

import "context"

const (
	Encoding         = "linear16"
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// Transcript is one recognition result. EndOfUtterance marks the point where
// the recognizer considers the speaker finished.
type Transcript struct {
	Text           string
	Final          bool
	EndOfUtterance bool
}

type STTConfig struct {
	Model      string
	Language   string
	Encoding   string
	SampleRate int
}

type STTSession interface {
	SendAudio([]byte) error
	// Finalize asks the recognizer to flush buffered audio and report the
	// end of the utterance.
	Finalize() error
	Transcripts() <-chan Transcript
	Close() error
}

type STTProvider interface {
	NewSession(ctx context.Context, cfg STTConfig) (STTSession, error)
}

type TTSConfig struct {
	Voice      string
	Model      string
	Encoding   string
	SampleRate int
}

type TTSContext interface {
	// SendText queues text for synthesis. final flushes and ends the context
	// once its audio has been produced.
	SendText(text string, final bool) error
	Audio() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

type TTSProvider interface {
	NewContext(ctx context.Context, cfg TTSConfig) (TTSContext, error)
}
