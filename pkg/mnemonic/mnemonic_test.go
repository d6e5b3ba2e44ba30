package mnemonic

import (
	"errors"
	"strings"
	"testing"
)

func TestDictionary_UniqueLowercaseWords(t *testing.T) {
	if n := DictionarySize(); n < 1500 || n > 2000 {
		t.Fatalf("dictionary size=%d, want roughly 1600", n)
	}
	seen := make(map[string]struct{}, len(dictionary))
	for _, w := range dictionary {
		if _, dup := seen[w]; dup {
			t.Fatalf("duplicate dictionary word %q", w)
		}
		seen[w] = struct{}{}
		if err := validateSegment(w); err != nil {
			t.Fatalf("dictionary word %q is not a valid segment: %v", w, err)
		}
	}
}

func TestGenerate_WordCount(t *testing.T) {
	for words := MinWords; words <= MaxWords; words++ {
		id, err := Generate(words)
		if err != nil {
			t.Fatalf("Generate(%d) error: %v", words, err)
		}
		if got := len(strings.Split(id.String(), "-")); got != words {
			t.Fatalf("Generate(%d)=%q has %d words", words, id, got)
		}
		if !Valid(id.String()) {
			t.Fatalf("generated id %q does not parse", id)
		}
	}

	for _, words := range []int{0, -1, 4} {
		if _, err := Generate(words); !errors.Is(err, ErrWordCount) {
			t.Fatalf("Generate(%d) err=%v, want ErrWordCount", words, err)
		}
	}
}

func TestGenerateSeeded_Deterministic(t *testing.T) {
	a, err := GenerateSeeded(3, 42)
	if err != nil {
		t.Fatalf("GenerateSeeded error: %v", err)
	}
	b, _ := GenerateSeeded(3, 42)
	if a != b {
		t.Fatalf("same seed produced %q and %q", a, b)
	}

	distinct := make(map[ID]struct{})
	for seed := uint64(0); seed < 32; seed++ {
		id, _ := GenerateSeeded(3, seed)
		distinct[id] = struct{}{}
	}
	if len(distinct) < 30 {
		t.Fatalf("32 seeds produced only %d distinct ids", len(distinct))
	}
}

func TestFromKey_StablePerKey(t *testing.T) {
	a, _ := FromKey(2, "user-123")
	b, _ := FromKey(2, "user-123")
	c, _ := FromKey(2, "user-456")
	if a != b {
		t.Fatalf("FromKey not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("different keys produced the same id %q", a)
	}
}

// Expected collisions for n draws from a space of size N is n^2/2N, about
// 0.012 for 10,000 three-word ids. Three or more collisions would indicate a
// broken generator.
func TestGenerate_BirthdayBound(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	dups := 0
	for i := 0; i < n; i++ {
		id := MustGenerate(ConnectionWords)
		if _, ok := seen[id.Key()]; ok {
			dups++
			continue
		}
		seen[id.Key()] = struct{}{}
	}
	if dups > 2 {
		t.Fatalf("%d duplicates in %d three-word ids", dups, n)
	}
}

func TestParse(t *testing.T) {
	valid := []string{
		"tango",
		"violet-kayak",
		"violet-kayak-tango",
		"Amber-Pilot:violet-kayak-tango",
		"a:b-c:d-e-f",
	}
	for _, text := range valid {
		if _, err := Parse(text); err != nil {
			t.Fatalf("Parse(%q) error: %v", text, err)
		}
	}

	segs, _ := Parse("amber-pilot:violet-kayak")
	if len(segs) != 2 || segs[0] != "amber-pilot" || segs[1] != "violet-kayak" {
		t.Fatalf("segments=%v", segs)
	}

	invalid := []string{
		"",
		":",
		"amber::pilot",
		"amber-",
		"-amber",
		"amber--pilot",
		"one-two-three-four",
		"amber_pilot",
		"amber pilot",
		"amber1",
		"c_0123abcd",
	}
	for _, text := range invalid {
		if _, err := Parse(text); !errors.Is(err, ErrMalformedIdentifier) {
			t.Fatalf("Parse(%q) err=%v, want ErrMalformedIdentifier", text, err)
		}
	}
}

func TestComposeAndParent(t *testing.T) {
	user := ID("amber-pilot")
	conv := ID("violet-kayak")
	child := Compose(Compose(user, conv), "tango")
	if child != "amber-pilot:violet-kayak:tango" {
		t.Fatalf("Compose=%q", child)
	}
	if child.Parent() != "amber-pilot:violet-kayak" {
		t.Fatalf("Parent=%q", child.Parent())
	}
	if user.Parent() != "" {
		t.Fatalf("root Parent=%q, want empty", user.Parent())
	}
	if Compose("", conv) != conv || Compose(user, "") != user {
		t.Fatalf("Compose with empty side should return the other side")
	}
	if !Valid(child.String()) {
		t.Fatalf("composed id %q does not parse", child)
	}
}

func TestEqual_CaseInsensitivePreservesCasing(t *testing.T) {
	a := ID("Violet-Kayak")
	b := ID("violet-KAYAK")
	if !Equal(a, b) {
		t.Fatalf("Equal(%q,%q)=false", a, b)
	}
	if a.Key() != b.Key() {
		t.Fatalf("Key mismatch %q vs %q", a.Key(), b.Key())
	}
	if a.String() != "Violet-Kayak" {
		t.Fatalf("String()=%q, casing not preserved", a.String())
	}
	if Equal(a, "violet-tango") {
		t.Fatalf("different ids compared equal")
	}
}
