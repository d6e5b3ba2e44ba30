package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordConnectionStart()
	m.RecordConnectionEnd("normal")
	m.RecordEvent("in", "ping")
	m.RecordAudio("in", 10)
	m.RecordTurnViolation("audio")
	m.RecordTurn("ok", time.Second)
	m.RecordHTTPRequest("/healthz", 200)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestMetrics_HandlerExposesRelayCollectors(t *testing.T) {
	m := New()
	m.RecordConnectionStart()
	m.RecordEvent("out", "turn_granted")
	m.RecordAudio("out", 320)
	m.RecordTurnViolation("text")
	m.RecordTurn("ok", 250*time.Millisecond)
	m.RecordHTTPRequest("/v1/auth/token", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"vai_relay_live_connections_active 1",
		`vai_relay_live_events_total{direction="out",type="turn_granted"} 1`,
		`vai_relay_live_audio_bytes_total{direction="out"} 320`,
		`vai_relay_turn_violations_total{input="text"} 1`,
		`vai_relay_turns_total{outcome="ok"} 1`,
		"vai_relay_turn_duration_seconds_count 1",
		`vai_relay_http_requests_total{path="/v1/auth/token",status="200"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}
