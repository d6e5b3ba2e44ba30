package session

import (
	"strings"
	"testing"
)

func pushAll(c *speechChunker, deltas ...string) []string {
	var got []string
	for _, d := range deltas {
		got = append(got, c.Push(d)...)
	}
	return append(got, c.Flush()...)
}

func TestSpeechChunker_SentenceBoundary(t *testing.T) {
	c := newSpeechChunker(speechChunkConfig{FirstChunkMinChars: 100})
	got := pushAll(c, "Hello world. How are you?")
	if len(got) != 2 {
		t.Fatalf("chunks=%q, want 2", got)
	}
	if got[0] != "Hello world. " || got[1] != "How are you?" {
		t.Fatalf("chunks=%q", got)
	}
}

func TestSpeechChunker_FirstChunkStartsEarly(t *testing.T) {
	c := newSpeechChunker(defaultSpeechChunkConfig())
	got := c.Push("You said: good")
	if len(got) != 1 || got[0] != "You said: " {
		t.Fatalf("first chunk=%q", got)
	}
	if more := c.Push(" morning"); len(more) != 0 {
		t.Fatalf("later text should wait for a boundary, got %q", more)
	}
	if rest := c.Flush(); len(rest) != 1 || rest[0] != "good morning" {
		t.Fatalf("flush=%q", rest)
	}
}

func TestSpeechChunker_HardSplitAtMax(t *testing.T) {
	c := newSpeechChunker(speechChunkConfig{MaxChunkChars: 10, FirstChunkMinChars: 50, SentenceMinChars: 50})
	got := pushAll(c, "one two three four five")
	if len(got) < 2 {
		t.Fatalf("chunks=%q, want >=2", got)
	}
	for _, ch := range got {
		if len([]rune(ch)) > 10 {
			t.Fatalf("chunk %q exceeds cap", ch)
		}
	}
	if strings.Join(got, "") != "one two three four five" {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestSpeechChunker_DeltasPreserveText(t *testing.T) {
	c := newSpeechChunker(defaultSpeechChunkConfig())
	text := "Sure! The weather is mild today. Bring a light jacket, just in case."
	var deltas []string
	for _, w := range strings.SplitAfter(text, " ") {
		deltas = append(deltas, w)
	}
	got := pushAll(c, deltas...)
	if strings.Join(got, "") != text {
		t.Fatalf("joined=%q", strings.Join(got, ""))
	}
}

func TestSpeechChunker_WhitespaceOnlyFlushesNothing(t *testing.T) {
	c := newSpeechChunker(defaultSpeechChunkConfig())
	if got := pushAll(c, "  ", "\t"); len(got) != 0 {
		t.Fatalf("chunks=%q, want none", got)
	}
}
