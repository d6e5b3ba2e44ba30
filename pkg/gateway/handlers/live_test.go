package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/agent"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/catalog"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

const testTokenSecret = "0123456789abcdef0123456789abcdef"

var initSequence = []string{
	"current_user",
	"avatar_catalog",
	"voice_catalog",
	"agent_catalog",
	"tool_catalog",
	"conversation_state",
	"turn_granted",
}

type liveHarness struct {
	server    *httptest.Server
	url       string
	tokens    *auth.Tokens
	tracker   *sessions.Tracker
	cache     *sessions.Cache
	lifecycle *lifecycle.Lifecycle
}

type liveTestOptions struct {
	wsMaxSessions    int
	minClientVersion string
}

func newLiveTestServer(t *testing.T, opts liveTestOptions) *liveHarness {
	t.Helper()
	if opts.wsMaxSessions <= 0 {
		opts.wsMaxSessions = 2
	}

	convs, err := conversations.NewManager(conversations.ManagerConfig{Store: conversations.NewMemoryStore()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	gate, err := mw.NewVersionGate(opts.minClientVersion)
	if err != nil {
		t.Fatalf("NewVersionGate: %v", err)
	}
	tokens := &auth.Tokens{Secret: []byte(testTokenSecret), Issuer: "vai-relay-test", TTL: time.Minute}

	cfg := config.Config{
		AuthMode:                   config.AuthModeRequired,
		APIKeys:                    map[string]string{"vai_sk_test": "ada"},
		TokenSecret:                tokens.Secret,
		CORSAllowedOrigins:         map[string]struct{}{},
		WSMaxSessionsPerPrincipal:  opts.wsMaxSessions,
		LiveMaxAudioFrameBytes:     8192,
		LiveMaxJSONMessageBytes:    64 * 1024,
		LiveMaxAudioFPS:            120,
		LiveMaxAudioBytesPerSecond: 128 * 1024,
		LiveInboundBurstSeconds:    2,
		LiveWSPingInterval:         5 * time.Second,
		LiveWSWriteTimeout:         2 * time.Second,
		LiveInitTimeout:            2 * time.Second,
		LiveOutboundQueueSize:      64,
	}

	h := &liveHarness{
		tokens:    tokens,
		tracker:   sessions.NewTracker(),
		cache:     sessions.NewCache(sessions.CacheConfig{TTL: time.Minute, MaxSize: 16}),
		lifecycle: &lifecycle.Lifecycle{},
	}
	handler := LiveHandler{
		Config:        cfg,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tokens:        tokens,
		Limiter:       ratelimit.New(ratelimit.Config{MaxLiveSessions: opts.wsMaxSessions}),
		Lifecycle:     h.lifecycle,
		Versions:      gate,
		Tracker:       h.tracker,
		Cache:         h.cache,
		Catalog:       catalog.Static{Catalog: catalog.Default()},
		Conversations: convs,
		Agent:         agent.Echo{},
	}

	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)
	h.url = "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/live"
	return h
}

func (h *liveHarness) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := h.tokens.Issue(auth.Principal{UserID: user, Name: user})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok.AccessToken
}

func (h *liveHarness) dial(t *testing.T, params url.Values) *websocket.Conn {
	t.Helper()
	u := h.url
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	out, err := readJSON(conn, timeout)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return out
}

func readJSON(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func readInit(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	events := make([]map[string]any, 0, len(initSequence))
	for i, want := range initSequence {
		ev := mustReadJSON(t, conn, 2*time.Second)
		if ev["type"] != want {
			t.Fatalf("init event %d type=%v, want %s", i, ev["type"], want)
		}
		events = append(events, ev)
	}
	return events
}

// expectClose asserts the server closes with code before sending any event.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close %d, got message type=%d %s", code, messageType, data)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != code {
		t.Fatalf("close err=%v, want code %d", err, code)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLiveHandler_MissingTokenClosesUnauthorized(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	conn := h.dial(t, nil)
	expectClose(t, conn, protocol.CloseUnauthorized)
}

func TestLiveHandler_ForgedTokenClosesUnauthorized(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	forger := &auth.Tokens{Secret: []byte("ffffffffffffffffffffffffffffffff"), Issuer: "vai-relay-test"}
	tok, err := forger.Issue(auth.Principal{UserID: "mallory"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn := h.dial(t, url.Values{"token": {tok.AccessToken}})
	expectClose(t, conn, protocol.CloseUnauthorized)
}

func TestLiveHandler_MalformedConnectionIDClosesBadHandshake(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	conn := h.dial(t, url.Values{
		"token":         {h.token(t, "ada")},
		"connection_id": {"not an id!"},
	})
	expectClose(t, conn, protocol.CloseMalformedHandshake)
}

func TestLiveHandler_OldClientVersionClosesBadHandshake(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{minClientVersion: ">= 2.0.0"})
	conn := h.dial(t, url.Values{
		"token":          {h.token(t, "ada")},
		"client_version": {"1.9.0"},
	})
	expectClose(t, conn, protocol.CloseMalformedHandshake)
}

func TestLiveHandler_InitSequenceWithQueryToken(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	connID := mnemonic.MustGenerate(mnemonic.ConnectionWords)
	conn := h.dial(t, url.Values{
		"token":         {h.token(t, "ada")},
		"connection_id": {connID.String()},
	})

	events := readInit(t, conn)
	user, _ := events[0]["user"].(map[string]any)
	if user["id"] != "ada" {
		t.Fatalf("current_user=%v", events[0])
	}
	if events[0]["connection_id"] != connID.String() || events[0]["resumed"] != false {
		t.Fatalf("current_user=%v", events[0])
	}
}

func TestLiveHandler_AuthorizationHeaderAccepted(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	header := http.Header{"Authorization": {"Bearer " + h.token(t, "ada")}}
	conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	events := readInit(t, conn)
	if id, _ := events[0]["connection_id"].(string); !mnemonic.Valid(id) {
		t.Fatalf("generated connection_id=%q", id)
	}
}

func TestLiveHandler_SessionCapClosesTooManySessions(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{wsMaxSessions: 1})
	token := h.token(t, "ada")

	first := h.dial(t, url.Values{"token": {token}})
	readInit(t, first)

	second := h.dial(t, url.Values{"token": {token}})
	expectClose(t, second, protocol.CloseTooManySessions)

	other := h.dial(t, url.Values{"token": {h.token(t, "grace")}})
	readInit(t, other)
}

func TestLiveHandler_ReconnectRestoresCachedState(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	token := h.token(t, "ada")
	connID := mnemonic.MustGenerate(mnemonic.ConnectionWords)
	params := url.Values{"token": {token}, "connection_id": {connID.String()}}

	first := h.dial(t, params)
	readInit(t, first)
	mustWriteJSON(t, first, map[string]any{"type": "set_output_mode", "mode": "avatar"})
	if ev := mustReadJSON(t, first, 2*time.Second); ev["type"] != "output_mode_changed" {
		t.Fatalf("event=%v", ev)
	}
	mustWriteJSON(t, first, map[string]any{"type": "disconnect"})
	waitFor(t, "cached entry", func() bool { return h.cache.Len() == 1 })

	// Another user presenting the same id gets nothing.
	stranger := h.dial(t, url.Values{"token": {h.token(t, "mallory")}, "connection_id": {connID.String()}})
	if ev := readInit(t, stranger)[0]; ev["resumed"] != false {
		t.Fatalf("stranger resumed: %v", ev)
	}
	_ = stranger.Close()
	waitFor(t, "stranger unregistered", func() bool { return h.tracker.Count() == 0 })

	second := h.dial(t, params)
	ev := readInit(t, second)[0]
	if ev["resumed"] != true || ev["output_mode"] != "avatar" {
		t.Fatalf("current_user=%v", ev)
	}
}

func TestLiveHandler_ReconnectWhileLiveTakesOverState(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	connID := mnemonic.MustGenerate(mnemonic.ConnectionWords)
	params := url.Values{"token": {h.token(t, "ada")}, "connection_id": {connID.String()}}

	first := h.dial(t, params)
	readInit(t, first)
	mustWriteJSON(t, first, map[string]any{"type": "set_output_mode", "mode": "avatar"})
	if ev := mustReadJSON(t, first, 2*time.Second); ev["type"] != "output_mode_changed" {
		t.Fatalf("event=%v", ev)
	}

	// The first connection is still open when the same user reconnects.
	second := h.dial(t, params)
	ev := readInit(t, second)[0]
	if ev["resumed"] != true || ev["output_mode"] != "avatar" {
		t.Fatalf("current_user=%v", ev)
	}
	expectClose(t, first, protocol.CloseGoingAway)
	if n := h.cache.Len(); n != 0 {
		t.Fatalf("cache len=%d after takeover, want 0", n)
	}
	if h.tracker.Count() != 1 || !h.tracker.Live(connID) {
		t.Fatalf("count=%d live=%v", h.tracker.Count(), h.tracker.Live(connID))
	}
}

func TestLiveHandler_ConnectionIDHeldByAnotherUser(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	connID := mnemonic.MustGenerate(mnemonic.ConnectionWords)

	owner := h.dial(t, url.Values{"token": {h.token(t, "ada")}, "connection_id": {connID.String()}})
	readInit(t, owner)

	intruder := h.dial(t, url.Values{"token": {h.token(t, "mallory")}, "connection_id": {connID.String()}})
	expectClose(t, intruder, protocol.CloseMalformedHandshake)

	// The owner's connection is untouched.
	mustWriteJSON(t, owner, map[string]any{"type": "set_output_mode", "mode": "avatar"})
	if ev := mustReadJSON(t, owner, 2*time.Second); ev["type"] != "output_mode_changed" {
		t.Fatalf("event=%v", ev)
	}
	if !h.tracker.Live(connID) {
		t.Fatalf("owner lost the connection id")
	}
}

func TestLiveHandler_TrackerCancelAllClosesConnAndDeregisters(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	conn := h.dial(t, url.Values{"token": {h.token(t, "ada")}})
	readInit(t, conn)

	waitFor(t, "registration", func() bool { return h.tracker.Count() == 1 })
	if sent := h.tracker.WarnAll("server_draining", "relay is restarting"); sent != 1 {
		t.Fatalf("warned=%d", sent)
	}
	warning := mustReadJSON(t, conn, 2*time.Second)
	if warning["type"] != "notification" || warning["code"] != "server_draining" || warning["severity"] != "warning" {
		t.Fatalf("warning=%v", warning)
	}

	h.tracker.CancelAll()
	for {
		if _, err := readJSON(conn, 2*time.Second); err != nil {
			if !websocket.IsCloseError(err, protocol.CloseGoingAway) {
				t.Fatalf("close err=%v, want going away", err)
			}
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ok := h.tracker.Wait(ctx); !ok {
		t.Fatalf("expected tracker to drain")
	}
	if h.tracker.Count() != 0 {
		t.Fatalf("tracker count=%d, want 0", h.tracker.Count())
	}
}

func TestLiveHandler_DrainingRefusesUpgrade(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	h.lifecycle.BeginDrain(time.Now())

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(t, "ada"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v", resp)
	}
}

func TestLiveHandler_ForeignOriginForbidden(t *testing.T) {
	h := newLiveTestServer(t, liveTestOptions{})
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(t, "ada"), header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v", resp)
	}
}
