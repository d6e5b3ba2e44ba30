// Package server assembles the relay's HTTP surface: the control plane, the
// live endpoint, and the operational routes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/handlers"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-relay/pkg/gateway/voice"
)

type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle

	Catalog       catalog.Source
	Conversations *conversations.Manager
	Agent         agent.Runtime
	// STT and TTS may be nil; speech is then reported as unavailable.
	STT voice.STTProvider
	TTS voice.TTSProvider
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	mux       *http.ServeMux

	tokens   *auth.Tokens
	limiter  *ratelimit.Limiter
	versions *mw.VersionGate
	tracker  *sessions.Tracker
	cache    *sessions.Cache

	deps Dependencies
}

func New(deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Conversations == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	cfg := deps.Config

	versions, err := mw.NewVersionGate(cfg.MinClientVersion)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		lifecycle: deps.Lifecycle,
		mux:       http.NewServeMux(),
		tokens: &auth.Tokens{
			Secret:       cfg.TokenSecret,
			Issuer:       cfg.TokenIssuer,
			TTL:          cfg.TokenTTL,
			RefreshGrace: cfg.TokenRefreshGrace,
		},
		limiter: ratelimit.New(ratelimit.Config{
			RPS:             cfg.LimitRPS,
			Burst:           cfg.LimitBurst,
			MaxLiveSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		versions: versions,
		tracker:  sessions.NewTracker(),
		cache: sessions.NewCache(sessions.CacheConfig{
			TTL:     cfg.ResumeCacheTTL,
			MaxSize: cfg.ResumeCacheSize,
		}),
		deps: deps,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/auth/token", handlers.TokenHandler{
		Config: s.cfg,
		Keys:   auth.KeySet(s.cfg.APIKeys),
		Tokens: s.tokens,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/auth/refresh", handlers.RefreshHandler{Tokens: s.tokens})
	s.mux.Handle("/v1/conversations", handlers.ConversationsHandler{Conversations: s.deps.Conversations})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:        s.cfg,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Tokens:        s.tokens,
		Limiter:       s.limiter,
		Lifecycle:     s.lifecycle,
		Versions:      s.versions,
		Tracker:       s.tracker,
		Cache:         s.cache,
		Catalog:       s.deps.Catalog,
		Conversations: s.deps.Conversations,
		Agent:         s.deps.Agent,
		STT:           s.deps.STT,
		TTS:           s.deps.TTS,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, s.tokens, h)
	h = mw.ClientVersion(s.versions, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return otelhttp.NewHandler(h, "vai-relay",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + mw.RouteLabel(r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}

// BeginDrain marks the relay not ready, refuses new live connections, and
// warns the open ones. It returns the number of connections warned.
func (s *Server) BeginDrain() int {
	s.lifecycle.BeginDrain(time.Now())
	return s.tracker.WarnAll("server_draining", "relay is shutting down; reconnect to resume")
}

// WaitLive blocks until every live connection has closed or ctx ends.
func (s *Server) WaitLive(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLive closes the remaining live connections.
func (s *Server) CancelLive() int {
	return s.tracker.CancelAll()
}

func (s *Server) LiveCount() int {
	return s.tracker.Count()
}

// Sweep drops expired resume entries and idle rate limit principals every
// interval until ctx ends.
func (s *Server) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.limiter.GC(now)
			if n := s.cache.Sweep(); n > 0 {
				s.logger.Debug("resume cache swept", "expired", n)
			}
		}
	}
}
