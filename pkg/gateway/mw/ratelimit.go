package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/principal"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request bucket. Callers without a
// principal (the token endpoints) are bucketed by client IP. Live upgrades
// are capped per principal by the live handler instead, since their request
// lasts as long as the connection.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions || IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		who := principal.Resolve(r, cfg)
		dec := limiter.AcquireRequest(who.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			e := &apierror.Error{
				Type:    apierror.ErrRateLimit,
				Message: "rate limit exceeded",
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				e.RetryAfter = &v
			}
			apierror.Write(w, reqID, e, http.StatusTooManyRequests)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
