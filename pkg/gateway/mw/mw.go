// Package mw holds the HTTP middleware chain of the relay control plane.
package mw

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = "req_" + randHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// publicPaths never require a bearer token. The token endpoints authenticate
// with an API key or a possibly expired token of their own.
var publicPaths = map[string]struct{}{
	"/healthz":         {},
	"/readyz":          {},
	"/metrics":         {},
	"/v1/auth/token":   {},
	"/v1/auth/refresh": {},
}

// Auth verifies the bearer token and attaches the principal. WebSocket
// upgrades pass through untouched: the live handler authenticates after the
// upgrade so it can report failures with a close code.
func Auth(cfg config.Config, tokens *auth.Tokens, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		if _, ok := publicPaths[r.URL.Path]; ok || r.Method == http.MethodOptions || IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			p := &auth.Principal{UserID: auth.AnonymousUser, Name: auth.AnonymousUser}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		case config.AuthModeRequired:
		default:
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrAPI,
				Message: "invalid auth_mode",
			}, http.StatusInternalServerError)
			return
		}

		token, ok := auth.ParseBearer(r)
		if !ok {
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "missing bearer token",
				Param:   "Authorization",
			}, http.StatusUnauthorized)
			return
		}
		p, err := tokens.Verify(token)
		if err != nil {
			e, status := apierror.FromError(err, reqID)
			apierror.Write(w, reqID, e, status)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), &p)))
	})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				reqID, _ := RequestIDFrom(r.Context())
				if logger != nil {
					logger.Error("panic", "request_id", reqID, "panic", v)
				}
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.ErrAPI,
					Message: "internal error",
				}, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLog writes one line per request and, when m is non-nil, counts it.
// The wrapped writer keeps exactly the optional interfaces of w; the live
// endpoint needs Hijacker to upgrade, and a hijack is recorded as 101.
func AccessLog(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status, wrote := http.StatusOK, false
		ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					if !wrote {
						status, wrote = code, true
					}
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(p []byte) (int, error) {
					wrote = true
					return next(p)
				}
			},
			Hijack: func(next httpsnoop.HijackFunc) httpsnoop.HijackFunc {
				return func() (net.Conn, *bufio.ReadWriter, error) {
					conn, rw, err := next()
					if err == nil && !wrote {
						status, wrote = http.StatusSwitchingProtocols, true
					}
					return conn, rw, err
				}
			},
		})
		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(RouteLabel(r.URL.Path), status)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

var knownRoutes = map[string]struct{}{
	"/healthz":          {},
	"/readyz":           {},
	"/metrics":          {},
	"/v1/auth/token":    {},
	"/v1/auth/refresh":  {},
	"/v1/conversations": {},
	"/v1/live":          {},
}

// RouteLabel bounds the path label cardinality of request metrics.
func RouteLabel(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "other"
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand should not fail in practice; fall back to time-based entropy.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
