// Package principal resolves who a request should be accounted to for rate
// limiting: the authenticated user when there is one, otherwise the client IP.
package principal

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindUser Kind = "user"
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (user id or IP).
	Raw string
	// Key is a hashed/bucketed identifier suitable for in-memory maps.
	Key string
}

func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return ForAuthenticated(r, cfg, p.UserID)
	}
	return ForIP(r, cfg.TrustProxyHeaders)
}

// ForAuthenticated resolves a request already attributed to userID. The
// anonymous principal of disabled auth is shared by everyone, so it is
// bucketed by IP instead.
func ForAuthenticated(r *http.Request, cfg config.Config, userID string) Resolved {
	if strings.TrimSpace(userID) == "" || userID == auth.AnonymousUser {
		return ForIP(r, cfg.TrustProxyHeaders)
	}
	return ForUser(userID)
}

func ForUser(userID string) Resolved {
	return Resolved{
		Kind: KindUser,
		Raw:  userID,
		Key:  ratelimit.PrincipalKeyFromUser(userID),
	}
}

// ForIP ignores any authenticated principal. Unauthenticated endpoints such as
// the token exchange are limited this way.
func ForIP(r *http.Request, trustProxyHeaders bool) Resolved {
	ip := resolveClientIP(r, trustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.PrincipalKeyFromIP(ip),
	}
}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			raw := r.Header.Get(name)
			if name == "X-Forwarded-For" {
				// client, proxy1, proxy2
				raw, _, _ = strings.Cut(raw, ",")
			}
			if ip := parseIP(raw); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// parseIP accepts a bare address or host:port and returns the canonical
// address, or "" when s is not an IP.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String()
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
