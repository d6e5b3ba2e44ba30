// Package ratelimit holds per-principal request buckets and live session
// caps. State is in-memory and single-process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// MaxLiveSessions caps concurrently open live connections per principal.
	MaxLiveSessions int

	// Bounds on the principal table.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu         sync.Mutex
	principals map[string]*bucket
}

// bucket is the state of one principal.
type bucket struct {
	requests *rate.Limiter // nil when RPS limiting is off
	inflight chan struct{}
	live     chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:        cfg,
		principals: make(map[string]*bucket),
	}
}

// PrincipalKeyFromUser buckets an authenticated user id.
func PrincipalKeyFromUser(userID string) string {
	return "u_" + digest(userID)
}

// PrincipalKeyFromIP buckets an unauthenticated caller by address.
func PrincipalKeyFromIP(ip string) string {
	return "ip_" + digest(ip)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed bool
	// RetryAfter is whole seconds until a retry can succeed.
	RetryAfter int
	Permit     *Permit
}

var noop = func() {}

// AcquireRequest spends one request token and, when a concurrency cap is
// configured, holds an in-flight slot until the permit is released.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	b := l.bucketFor(principal, now)

	if b.requests != nil {
		r := b.requests.ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			return Decision{RetryAfter: retryAfter(delay)}
		}
	}
	if l.cfg.MaxConcurrentRequests > 0 {
		return acquireSlot(b.inflight)
	}
	return Decision{Allowed: true, Permit: &Permit{release: noop}}
}

// AcquireLiveSession reserves one live connection slot. The permit must be
// released when the connection closes.
func (l *Limiter) AcquireLiveSession(principal string, now time.Time) Decision {
	b := l.bucketFor(principal, now)
	if l.cfg.MaxLiveSessions > 0 {
		return acquireSlot(b.live)
	}
	return Decision{Allowed: true, Permit: &Permit{release: noop}}
}

func acquireSlot(sem chan struct{}) Decision {
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func retryAfter(delay time.Duration) int {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (l *Limiter) bucketFor(principal string, now time.Time) *bucket {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.principals[principal]
	if !ok {
		if len(l.principals) >= l.cfg.MaxEntries {
			l.evictLocked(now)
		}
		b = &bucket{
			inflight: make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
			live:     make(chan struct{}, max(1, l.cfg.MaxLiveSessions)),
		}
		if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
			b.requests = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
		}
		l.principals[principal] = b
	}
	b.touch(now)
	return b
}

// evictLocked drops idle principals, then if the table is still full one
// arbitrary principal holding no permits.
func (l *Limiter) evictLocked(now time.Time) {
	l.gcLocked(now)
	if len(l.principals) < l.cfg.MaxEntries {
		return
	}
	for k, b := range l.principals {
		if !b.holdsPermits() {
			delete(l.principals, k)
			return
		}
	}
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, b := range l.principals {
		if b.idle(now, l.cfg.EntryTTL) && !b.holdsPermits() {
			delete(l.principals, k)
		}
	}
}

// GC drops principals idle for longer than EntryTTL.
func (l *Limiter) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(now)
}

// Len returns the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.principals)
}

func (b *bucket) touch(now time.Time) {
	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
}

func (b *bucket) idle(now time.Time, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen) > ttl
}

// Open live connections never touch the limiter, so a principal holding a
// permit must survive GC or its cap would reset.
func (b *bucket) holdsPermits() bool {
	return len(b.live) > 0 || len(b.inflight) > 0
}
