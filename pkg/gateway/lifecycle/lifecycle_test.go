package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_BeginDrainOnce(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() {
		t.Fatalf("new lifecycle should be serving")
	}
	if _, ok := l.DrainingSince(); ok {
		t.Fatalf("DrainingSince reported a drain before one began")
	}

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !l.BeginDrain(first) {
		t.Fatalf("first BeginDrain should report true")
	}
	if l.BeginDrain(first.Add(time.Minute)) {
		t.Fatalf("second BeginDrain should report false")
	}
	since, ok := l.DrainingSince()
	if !ok || !since.Equal(first) || !l.IsDraining() {
		t.Fatalf("since=%v ok=%v draining=%v", since, ok, l.IsDraining())
	}
}

func TestLifecycle_NilIsServing(t *testing.T) {
	var l *Lifecycle
	if l.IsDraining() || l.BeginDrain(time.Now()) {
		t.Fatalf("nil lifecycle should be inert")
	}
}
