// Package mnemonic produces human-readable identifiers built from a fixed
// dictionary of words, e.g. "violet-kayak-tango" or "amber-pilot:violet-kayak".
//
// Generation draws words uniformly with replacement. Uniqueness is the
// responsibility of whatever collection stores the identifiers; callers pick a
// word count per identifier class based on the expected population size.
package mnemonic

import (
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

// Separator joins hierarchical segments (parent:child).
const Separator = ":"

// wordJoiner joins words inside one segment.
const wordJoiner = "-"

const (
	MinWords = 1
	MaxWords = 3

	// ConnectionWords is used for connection-scoped identifiers.
	ConnectionWords = 3
	// ConversationWords is used for conversation-scoped identifiers.
	ConversationWords = 2
)

var (
	ErrMalformedIdentifier = errors.New("malformed identifier")
	ErrWordCount           = fmt.Errorf("word count must be between %d and %d", MinWords, MaxWords)
)

//go:embed words.txt
var wordsFile string

var dictionary = loadDictionary(wordsFile)

func loadDictionary(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		out = append(out, strings.ToLower(w))
	}
	return out
}

// ID is a mnemonic identifier. The original casing is preserved; use Equal or
// Key for comparisons.
type ID string

func (id ID) String() string { return string(id) }

// Key is the case-folded form used for map keys and storage lookups.
func (id ID) Key() string { return strings.ToLower(string(id)) }

// Segments splits a hierarchical identifier into its segments. It does not
// validate; use Parse for that.
func (id ID) Segments() []string { return strings.Split(string(id), Separator) }

// Parent returns the identifier without its last segment, or "" for a root
// identifier.
func (id ID) Parent() ID {
	i := strings.LastIndex(string(id), Separator)
	if i < 0 {
		return ""
	}
	return id[:i]
}

// DictionarySize reports the number of words generation draws from.
func DictionarySize() int { return len(dictionary) }

// Generate draws words uniformly at random.
func Generate(words int) (ID, error) {
	return generate(words, rand.IntN)
}

// GenerateSeeded derives an identifier deterministically from seed.
func GenerateSeeded(words int, seed uint64) (ID, error) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return generate(words, r.IntN)
}

// FromKey derives a stable identifier for a known entity, e.g. a user id.
func FromKey(words int, key string) (ID, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return GenerateSeeded(words, h.Sum64())
}

// MustGenerate is Generate for word counts known to be valid.
func MustGenerate(words int) ID {
	id, err := Generate(words)
	if err != nil {
		panic(err)
	}
	return id
}

func generate(words int, intn func(int) int) (ID, error) {
	if words < MinWords || words > MaxWords {
		return "", ErrWordCount
	}
	parts := make([]string, words)
	for i := range parts {
		parts[i] = dictionary[intn(len(dictionary))]
	}
	return ID(strings.Join(parts, wordJoiner)), nil
}

// Compose nests child under parent.
func Compose(parent, child ID) ID {
	if parent == "" {
		return child
	}
	if child == "" {
		return parent
	}
	return parent + Separator + child
}

// Parse splits text into segments and validates each one against the
// word(-word){0,2} pattern. Words are ASCII letters only; dictionary
// membership is not required so identifiers survive dictionary changes.
func Parse(text string) ([]string, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedIdentifier)
	}
	segments := strings.Split(text, Separator)
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return nil, fmt.Errorf("%w: %q: %s", ErrMalformedIdentifier, text, err)
		}
	}
	return segments, nil
}

// ParseID is Parse returning the identifier itself.
func ParseID(text string) (ID, error) {
	if _, err := Parse(text); err != nil {
		return "", err
	}
	return ID(text), nil
}

// Valid reports whether text is a well-formed identifier.
func Valid(text string) bool {
	_, err := Parse(text)
	return err == nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return errors.New("empty segment")
	}
	words := strings.Split(seg, wordJoiner)
	if len(words) > MaxWords {
		return fmt.Errorf("segment %q has %d words", seg, len(words))
	}
	for _, w := range words {
		if w == "" {
			return fmt.Errorf("segment %q has an empty word", seg)
		}
		for i := 0; i < len(w); i++ {
			c := w[i]
			if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
				return fmt.Errorf("segment %q contains %q", seg, c)
			}
		}
	}
	return nil
}

// Equal compares identifiers case-insensitively.
func Equal(a, b ID) bool { return strings.EqualFold(string(a), string(b)) }
