package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool       `json:"ok"`
		Draining      bool       `json:"draining,omitempty"`
		DrainingSince *time.Time `json:"draining_since,omitempty"`
		AuthMode      string     `json:"auth_mode"`
		SpeechEnabled bool       `json:"speech_enabled"`
		DurableStore  bool       `json:"durable_store"`
		Issues        []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if len(h.Config.APIKeys) == 0 {
			issues = append(issues, "auth_mode=required but no api keys configured")
		}
		if len(h.Config.TokenSecret) < 32 {
			issues = append(issues, "auth_mode=required but token secret is shorter than 32 bytes")
		}
	case config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}

	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.WSMaxSessionsPerPrincipal <= 0 {
		issues = append(issues, "ws max sessions per principal must be > 0")
	}
	if h.Config.LiveMaxJSONMessageBytes <= 0 || h.Config.LiveMaxAudioFrameBytes <= 0 {
		issues = append(issues, "live frame limits must be > 0")
	}
	if h.Config.LiveInitTimeout <= 0 {
		issues = append(issues, "live init timeout must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	since, draining := h.Lifecycle.DrainingSince()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Draining:      draining,
		DrainingSince: drainingSince(since, draining),
		AuthMode:      string(h.Config.AuthMode),
		SpeechEnabled: h.Config.DeepgramAPIKey != "",
		DurableStore:  h.Config.StorePath != "",
		Issues:        issues,
	})
}

func drainingSince(t time.Time, draining bool) *time.Time {
	if !draining {
		return nil
	}
	return &t
}
