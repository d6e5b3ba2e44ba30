// Package auth identifies relay users. API keys are exchanged for short-lived
// bearer tokens, and the live transport accepts only those tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AnonymousUser is the principal used when authentication is disabled.
const AnonymousUser = "anonymous"

type Principal struct {
	UserID string
	Name   string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// KeySet maps API keys to the user ids they authenticate as.
type KeySet map[string]string

// Lookup compares key against every configured key in constant time.
func (k KeySet) Lookup(key string) (Principal, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for candidate, user := range k {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found, ok = Principal{UserID: user, Name: user}, true
		}
	}
	return found, ok
}
