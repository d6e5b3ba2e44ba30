// Package sessions keeps process-wide bookkeeping for live connections: the
// set of open connections for draining, and the ephemeral state retained for
// best-effort resume after a reconnect.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

// ErrConnectionHeld is returned by Register when another user's connection
// holds the id.
var ErrConnectionHeld = errors.New("connection id is held by another user")

type Handle struct {
	Owner  string
	Cancel func()
	Warn   func(code, message string) error
	// Released is closed once the connection has stored its resume state.
	// A nil channel counts as released.
	Released <-chan struct{}
}

// Tracker indexes open connections by connection id. An id is held by at
// most one connection. The same owner registering it again cancels the
// previous holder; a different owner is refused.
type Tracker struct {
	mu          sync.Mutex
	connections map[string]*trackedConnection
	wg          sync.WaitGroup
	// handoff bounds how long Register waits for a replaced holder to
	// release the id.
	handoff time.Duration
}

type trackedConnection struct {
	id     mnemonic.ID
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string]*trackedConnection),
		handoff:     2 * time.Second,
	}
}

// Register records a connection under id. When the same owner already holds
// id, the previous holder is canceled and Register waits until it has
// released the id, so its resume state is in the cache on return.
func (t *Tracker) Register(id mnemonic.ID, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedConnection{id: id, handle: h}

	t.mu.Lock()
	if t.connections == nil {
		t.connections = make(map[string]*trackedConnection)
	}
	old := t.connections[id.Key()]
	if old != nil && old.handle.Owner != h.Owner {
		t.mu.Unlock()
		return nil, ErrConnectionHeld
	}
	t.connections[id.Key()] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(old)
		t.awaitRelease(old.handle.Released)
	}

	return func() { t.unregister(entry) }, nil
}

func (t *Tracker) awaitRelease(released <-chan struct{}) {
	if released == nil {
		return
	}
	wait := t.handoff
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-released:
	case <-timer.C:
	}
}

func (t *Tracker) unregister(entry *trackedConnection) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.connections != nil && t.connections[entry.id.Key()] == entry {
			delete(t.connections, entry.id.Key())
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}

// Live reports whether a connection currently holds id.
func (t *Tracker) Live(id mnemonic.ID) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.connections[id.Key()]
	return ok
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.connections))
	for _, entry := range t.connections {
		out = append(out, entry.handle)
	}
	return out
}

// WarnAll sends a warning notification to every open connection.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		if err := h.Warn(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered or ctx is
// done. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
