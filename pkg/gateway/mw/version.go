package mw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
)

const (
	ClientVersionHeader = "X-VAI-Client-Version"
	ClientVersionQuery  = "client_version"
)

// VersionGate admits clients whose declared version satisfies a semver
// constraint. A nil gate admits everything.
type VersionGate struct {
	expr       string
	constraint *semver.Constraints
}

// NewVersionGate returns nil for an empty expression.
func NewVersionGate(expr string) (*VersionGate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("client version constraint %q: %w", expr, err)
	}
	return &VersionGate{expr: expr, constraint: c}, nil
}

// Allow reports whether raw is acceptable. Clients that declare no version
// are admitted.
func (g *VersionGate) Allow(raw string) error {
	if g == nil {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid client version %q", raw)
	}
	if !g.constraint.Check(v) {
		return fmt.Errorf("client version %s does not satisfy %s", v, g.expr)
	}
	return nil
}

// RequestClientVersion reads the declared version from the header, falling
// back to the query parameter browsers must use on websocket upgrades.
func RequestClientVersion(r *http.Request) string {
	if v := parseHeaderCSVValues(r.Header.Values(ClientVersionHeader)); len(v) > 0 {
		return v[0]
	}
	return strings.TrimSpace(r.URL.Query().Get(ClientVersionQuery))
}

// ClientVersion rejects HTTP requests from clients below the minimum version.
// WebSocket upgrades are left to the live handler, which closes the socket
// with a protocol close code instead.
func ClientVersion(gate *VersionGate, next http.Handler) http.Handler {
	if gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || IsWebSocketUpgrade(r) || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if err := gate.Allow(RequestClientVersion(r)); err != nil {
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: err.Error(),
				Param:   ClientVersionHeader,
				Code:    "unsupported_client_version",
			}, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func parseHeaderCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			out = append(out, trimmed)
		}
	}
	return out
}
