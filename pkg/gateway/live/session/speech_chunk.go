package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type speechChunkConfig struct {
	SentenceMinChars   int
	MaxChunkChars      int
	FirstChunkMinChars int
}

func defaultSpeechChunkConfig() speechChunkConfig {
	return speechChunkConfig{
		SentenceMinChars:   12,
		MaxChunkChars:      120,
		FirstChunkMinChars: 8,
	}
}

// speechChunker turns the append-only text delta stream of a turn into
// sentence-sized pieces for the synthesizer. The first piece is released
// early so speech starts quickly.
type speechChunker struct {
	cfg     speechChunkConfig
	buf     strings.Builder
	sentAny bool
}

func newSpeechChunker(cfg speechChunkConfig) *speechChunker {
	def := defaultSpeechChunkConfig()
	if cfg.SentenceMinChars <= 0 {
		cfg.SentenceMinChars = def.SentenceMinChars
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = def.MaxChunkChars
	}
	if cfg.FirstChunkMinChars <= 0 {
		cfg.FirstChunkMinChars = def.FirstChunkMinChars
	}
	return &speechChunker{cfg: cfg}
}

// Push appends a delta and returns the chunks that became ready.
func (c *speechChunker) Push(delta string) []string {
	if delta != "" {
		c.buf.WriteString(delta)
	}
	var out []string
	for {
		buf := c.buf.String()
		if buf == "" {
			return out
		}
		n := utf8.RuneCountInString(buf)

		if n >= c.cfg.SentenceMinChars {
			if idx := firstSentenceBoundaryCut(buf, c.cfg.MaxChunkChars); idx > 0 {
				out = c.cut(idx, out)
				continue
			}
		}
		if !c.sentAny && n >= c.cfg.FirstChunkMinChars {
			if idx := firstWhitespaceOrBoundaryAtOrAfter(buf, c.cfg.FirstChunkMinChars, c.cfg.MaxChunkChars); idx > 0 {
				out = c.cut(idx, out)
				continue
			}
		}
		if n > c.cfg.MaxChunkChars {
			if idx := bestCutAtOrBefore(buf, c.cfg.MaxChunkChars); idx > 0 {
				out = c.cut(idx, out)
				continue
			}
		}
		return out
	}
}

// Flush returns whatever is still buffered, split at the size cap.
func (c *speechChunker) Flush() []string {
	var out []string
	for {
		buf := c.buf.String()
		if strings.TrimSpace(buf) == "" {
			c.buf.Reset()
			return out
		}
		if utf8.RuneCountInString(buf) <= c.cfg.MaxChunkChars {
			return c.cut(len(buf), out)
		}
		idx := bestCutAtOrBefore(buf, c.cfg.MaxChunkChars)
		if idx <= 0 {
			idx = cutByteIndexAtRuneCount(buf, c.cfg.MaxChunkChars)
		}
		if idx <= 0 {
			return out
		}
		out = c.cut(idx, out)
	}
}

func (c *speechChunker) cut(idx int, out []string) []string {
	buf := c.buf.String()
	if idx <= 0 || idx > len(buf) {
		return out
	}
	chunk, rest := buf[:idx], buf[idx:]
	c.buf.Reset()
	c.buf.WriteString(rest)
	if strings.TrimSpace(chunk) == "" {
		return out
	}
	c.sentAny = true
	return append(out, chunk)
}

func cutByteIndexAtRuneCount(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

func isSentenceBoundary(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

// firstSentenceBoundaryCut returns the byte index just past the earliest
// sentence boundary and its trailing whitespace, within maxChars runes.
func firstSentenceBoundaryCut(s string, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if isSentenceBoundary(r) {
			j := i + size
			for j < len(s) {
				r2, sz2 := utf8.DecodeRuneInString(s[j:])
				if !unicode.IsSpace(r2) {
					break
				}
				j += sz2
			}
			return j
		}
		i += size
	}
	return 0
}

func firstWhitespaceOrBoundaryAtOrAfter(s string, minChars, maxChars int) int {
	if minChars <= 0 {
		minChars = 1
	}
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			return 0
		}
		if runes >= minChars && (unicode.IsSpace(r) || isSentenceBoundary(r)) {
			return i + size
		}
		i += size
	}
	return 0
}

func bestCutAtOrBefore(s string, maxChars int) int {
	if maxChars <= 0 {
		return 0
	}
	runes := 0
	lastSpace, lastBoundary := 0, 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++
		if runes > maxChars {
			break
		}
		if isSentenceBoundary(r) {
			lastBoundary = i + size
		}
		if unicode.IsSpace(r) {
			lastSpace = i + size
		}
		i += size
	}
	if lastBoundary > 0 {
		return lastBoundary
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return cutByteIndexAtRuneCount(s, maxChars)
}
