// Package lifecycle holds process state shared by handlers: whether the relay
// is draining for shutdown, and since when.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	// drainingSince is unix nanoseconds, zero while serving.
	drainingSince atomic.Int64
}

// BeginDrain marks the relay as draining. It reports false if a drain had
// already begun, leaving the original start time in place.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	ns := now.UnixNano()
	if ns == 0 {
		ns = 1
	}
	return l.drainingSince.CompareAndSwap(0, ns)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince returns when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}
