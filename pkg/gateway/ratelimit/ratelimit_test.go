package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAcquireLiveSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxLiveSessions: 1})
	now := time.Now()

	first := l.AcquireLiveSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireLiveSession("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}

	other := l.AcquireLiveSession("p2", now)
	if !other.Allowed {
		t.Fatalf("other principal should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireLiveSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireRequest_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AcquireRequest("p1", now); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	d := l.AcquireRequest("p1", now)
	if d.Allowed || d.RetryAfter != 1 {
		t.Fatalf("over burst: allowed=%v retry_after=%d", d.Allowed, d.RetryAfter)
	}
	if d := l.AcquireRequest("p1", now.Add(1100*time.Millisecond)); !d.Allowed {
		t.Fatalf("expected refill after one second")
	}
}

func TestGC_KeepsEntriesHoldingLiveSessions(t *testing.T) {
	l := New(Config{MaxLiveSessions: 1, MaxEntries: 1, EntryTTL: time.Minute})
	start := time.Unix(1_700_000_000, 0)

	held := l.AcquireLiveSession("p1", start)
	if !held.Allowed {
		t.Fatalf("first session denied")
	}
	later := start.Add(time.Hour)
	if d := l.AcquireLiveSession("p2", later); !d.Allowed {
		t.Fatalf("p2 denied")
	}
	if d := l.AcquireLiveSession("p1", later); d.Allowed {
		t.Fatalf("p1 cap reset by gc")
	}
}

func TestPrincipalKeys(t *testing.T) {
	u := PrincipalKeyFromUser("ada")
	ip := PrincipalKeyFromIP("ada")
	if u == ip {
		t.Fatalf("user and ip keys collide: %q", u)
	}
	if !strings.HasPrefix(u, "u_") || !strings.HasPrefix(ip, "ip_") {
		t.Fatalf("keys=%q %q", u, ip)
	}
	if strings.Contains(u, "ada") {
		t.Fatalf("raw identifier leaked into key %q", u)
	}
	if PrincipalKeyFromUser("ada") != u {
		t.Fatalf("key not stable")
	}
}

func TestGC_DropsIdlePrincipals(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, EntryTTL: time.Minute})
	start := time.Unix(1_700_000_000, 0)

	l.AcquireRequest("p1", start)
	l.AcquireRequest("p2", start.Add(50*time.Second))
	if l.Len() != 2 {
		t.Fatalf("len=%d, want 2", l.Len())
	}

	l.GC(start.Add(90 * time.Second))
	if l.Len() != 1 {
		t.Fatalf("len=%d after gc, want 1", l.Len())
	}
	// A fresh bucket starts full again.
	if d := l.AcquireRequest("p1", start.Add(90*time.Second)); !d.Allowed {
		t.Fatalf("expected new bucket for collected principal")
	}
}

func TestAcquireRequest_ConcurrencyCap(t *testing.T) {
	l := New(Config{MaxConcurrentRequests: 1})
	now := time.Now()
	first := l.AcquireRequest("p1", now)
	if !first.Allowed {
		t.Fatalf("first denied")
	}
	if d := l.AcquireRequest("p1", now); d.Allowed || d.RetryAfter != 1 {
		t.Fatalf("second allowed=%v retry_after=%d", d.Allowed, d.RetryAfter)
	}
	first.Permit.Release()
	if d := l.AcquireRequest("p1", now); !d.Allowed {
		t.Fatalf("expected slot after release")
	}
}
