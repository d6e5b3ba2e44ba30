package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

// minTokenSecretBytes is the shortest HS256 secret accepted.
const minTokenSecretBytes = 32

type Config struct {
	Addr string

	AuthMode AuthMode
	// APIKeys maps an API key to the user id it authenticates as.
	APIKeys map[string]string

	TokenSecret       []byte
	TokenIssuer       string
	TokenTTL          time.Duration
	TokenRefreshGrace time.Duration

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// MinClientVersion is a semver constraint on the X-VAI-Client-Version
	// header. Empty disables the check.
	MinClientVersion string

	// CatalogPath is a YAML catalog file. Empty uses the built-in catalog.
	CatalogPath string
	// StorePath is the SQLite conversation database. Empty keeps
	// conversations in memory.
	StorePath string

	ResumeCacheTTL  time.Duration
	ResumeCacheSize int

	WSMaxSessionsPerPrincipal int

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveInitTimeout            time.Duration
	LiveOutboundQueueSize      int

	// In-memory limits (per principal).
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Speech collaborators. An empty API key disables speech.
	DeepgramAPIKey   string
	DeepgramBaseURL  string
	DeepgramSTTModel string
	DeepgramTTSModel string
	STTLanguage      string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_RELAY_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_RELAY_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]string),
		TokenSecret:                []byte(strings.TrimSpace(os.Getenv("VAI_RELAY_TOKEN_SECRET"))),
		TokenIssuer:                envOr("VAI_RELAY_TOKEN_ISSUER", "vai-relay"),
		TokenTTL:                   envDurationOr("VAI_RELAY_TOKEN_TTL", 15*time.Minute),
		TokenRefreshGrace:          envDurationOr("VAI_RELAY_TOKEN_REFRESH_GRACE", 5*time.Minute),
		TrustProxyHeaders:          envBoolOr("VAI_RELAY_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_RELAY_MAX_BODY_BYTES", 64<<10),
		CORSAllowedOrigins:         make(map[string]struct{}),
		MinClientVersion:           envOr("VAI_RELAY_MIN_CLIENT_VERSION", ""),
		CatalogPath:                envOr("VAI_RELAY_CATALOG_PATH", ""),
		StorePath:                  envOr("VAI_RELAY_STORE_PATH", ""),
		ResumeCacheTTL:             envDurationOr("VAI_RELAY_RESUME_CACHE_TTL", 5*time.Minute),
		ResumeCacheSize:            envIntOr("VAI_RELAY_RESUME_CACHE_SIZE", 10_000),
		WSMaxSessionsPerPrincipal:  envIntOr("VAI_RELAY_WS_MAX_SESSIONS_PER_PRINCIPAL", 4),
		LiveMaxAudioFrameBytes:     envIntOr("VAI_RELAY_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:    envInt64Or("VAI_RELAY_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("VAI_RELAY_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("VAI_RELAY_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("VAI_RELAY_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("VAI_RELAY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VAI_RELAY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("VAI_RELAY_LIVE_WS_READ_TIMEOUT", 0),
		LiveInitTimeout:            envDurationOr("VAI_RELAY_LIVE_INIT_TIMEOUT", 10*time.Second),
		LiveOutboundQueueSize:      envIntOr("VAI_RELAY_LIVE_OUTBOUND_QUEUE_SIZE", 256),
		LimitRPS:                   envFloat64Or("VAI_RELAY_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("VAI_RELAY_RATE_LIMIT_BURST", 4),
		ReadHeaderTimeout:          envDurationOr("VAI_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		DeepgramAPIKey:             strings.TrimSpace(os.Getenv("VAI_RELAY_DEEPGRAM_API_KEY")),
		DeepgramBaseURL:            envOr("VAI_RELAY_DEEPGRAM_BASE_URL", "wss://api.deepgram.com"),
		DeepgramSTTModel:           envOr("VAI_RELAY_DEEPGRAM_STT_MODEL", "nova-3"),
		DeepgramTTSModel:           envOr("VAI_RELAY_DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		STTLanguage:                envOr("VAI_RELAY_STT_LANGUAGE", "en"),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_AUTH_MODE must be one of required|disabled")
	}

	keys, err := parseAPIKeys(os.Getenv("VAI_RELAY_API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys = keys

	for _, origin := range splitCSV(os.Getenv("VAI_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MinClientVersion != "" {
		if _, err := semver.NewConstraint(cfg.MinClientVersion); err != nil {
			return Config{}, fmt.Errorf("VAI_RELAY_MIN_CLIENT_VERSION: %w", err)
		}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_TOKEN_TTL must be > 0")
	}
	if cfg.TokenRefreshGrace < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_TOKEN_REFRESH_GRACE must be >= 0")
	}
	if cfg.ResumeCacheTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RESUME_CACHE_TTL must be > 0")
	}
	if cfg.ResumeCacheSize <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RESUME_CACHE_SIZE must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_WS_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveInitTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_INIT_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RATE_LIMIT_BURST must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired {
		if len(cfg.APIKeys) == 0 {
			return Config{}, fmt.Errorf("VAI_RELAY_API_KEYS must be set when VAI_RELAY_AUTH_MODE=required")
		}
		if len(cfg.TokenSecret) < minTokenSecretBytes {
			return Config{}, fmt.Errorf("VAI_RELAY_TOKEN_SECRET must be at least %d bytes when VAI_RELAY_AUTH_MODE=required", minTokenSecretBytes)
		}
	}

	return cfg, nil
}

// parseAPIKeys reads "key:user-id" pairs. A bare key authenticates as a user
// id derived from its position.
func parseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for i, entry := range splitCSV(raw) {
		key, user, found := strings.Cut(entry, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if key == "" {
			return nil, fmt.Errorf("VAI_RELAY_API_KEYS entry %d has an empty key", i+1)
		}
		if !found || user == "" {
			user = "user-" + strconv.Itoa(i+1)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("VAI_RELAY_API_KEYS entry %d repeats a key", i+1)
		}
		out[key] = user
	}
	return out, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
