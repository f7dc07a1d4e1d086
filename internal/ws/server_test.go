package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/state"
)

type stubHealth struct{ snap feed.HealthSnapshot }

func (h stubHealth) Snapshot() feed.HealthSnapshot { return h.snap }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, token string, health HealthSource) (*Server, *Broadcaster, *state.Store) {
	t.Helper()
	store := newTestStore(t)
	b := NewBroadcaster(store, health, 10*time.Millisecond, time.Hour, 0)
	b.SetLogger(discardLogger())
	t.Cleanup(b.Stop)
	return NewServer(store, health, b, nil, token, discardLogger()), b, store
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s, _, _ := newTestServer(t, "sekrit", nil)

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{"none", func(r *http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=sekrit" }, true},
		{"header", func(r *http.Request) { r.Header.Set(TokenHeader, "sekrit") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekrit") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"basic", func(r *http.Request) { r.Header.Set("Authorization", "Basic sekrit") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			tt.setup(r)
			if got := s.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}

	open, _, _ := newTestServer(t, "", nil)
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("empty token should allow every request")
	}
}

func TestCheckOrigin(t *testing.T) {
	s, _, _ := newTestServer(t, "", nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:8091", true},
		{"http://example.com", true}, // matches r.Host below
		{"https://evil.example.org", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	store := newTestStore(t)
	restricted := NewServer(store, nil, nil, []string{"https://cgm.example.org"}, "", discardLogger())
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	if restricted.checkOrigin(r) {
		t.Error("allow-list should reject localhost when configured")
	}
	r.Header.Set("Origin", "https://cgm.example.org")
	if !restricted.checkOrigin(r) {
		t.Error("allow-listed origin rejected")
	}
}

func TestStateEndpoints(t *testing.T) {
	s, _, store := newTestServer(t, "tok", nil)
	ctx := context.Background()
	store.Set(ctx, "data.mgdl", state.Record{TS: 10, Ack: true, Val: 120})
	store.Set(ctx, "data.device", state.Record{TS: 10, Ack: true, Val: "loop"})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state?token=tok", nil))
	var facts []Fact
	if err := json.NewDecoder(rec.Body).Decode(&facts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(facts) != 2 || facts[0].Key != "data.device" || facts[1].Key != "data.mgdl" {
		t.Errorf("facts = %+v, want sorted device, mgdl", facts)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing from routed handler")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state/data.mgdl?token=tok", nil))
	var fact Fact
	json.NewDecoder(rec.Body).Decode(&fact)
	if fact.Key != "data.mgdl" || fact.Val != float64(120) || !fact.Ack {
		t.Errorf("fact = %+v", fact)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state/data.nothing?token=tok", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		status feed.HealthStatus
		code   int
	}{
		{feed.StatusHealthy, http.StatusOK},
		{feed.StatusDegraded, http.StatusServiceUnavailable},
		{feed.StatusDisconnected, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		s, _, _ := newTestServer(t, "", stubHealth{feed.HealthSnapshot{Status: tt.status}})
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		if rec.Code != tt.code {
			t.Errorf("%s: status code = %d, want %d", tt.status, rec.Code, tt.code)
		}
		var resp HealthResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Feed.Status != tt.status {
			t.Errorf("feed status = %s, want %s", resp.Feed.Status, tt.status)
		}
		if resp.Process.PID == 0 || resp.Process.Goroutines == 0 {
			t.Errorf("process stats = %+v", resp.Process)
		}
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestWebSocketStream(t *testing.T) {
	s, b, store := newTestServer(t, "", stubHealth{feed.HealthSnapshot{Status: feed.StatusHealthy}})
	store.Subscribe(b.QueueFact)
	store.Set(context.Background(), "data.mgdl", state.Record{TS: 1, Ack: true, Val: 100})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	snap := readMessage(t, conn)
	if snap.Type != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", snap.Type)
	}
	raw, _ := json.Marshal(snap.Payload)
	if !strings.Contains(string(raw), `"data.mgdl"`) {
		t.Errorf("snapshot = %s, want data.mgdl", raw)
	}

	store.Set(context.Background(), "data.mgdl", state.Record{TS: 2, Ack: true, Val: 105})
	msg := readMessage(t, conn)
	if msg.Type != MsgFact {
		t.Fatalf("message = %s, want fact", msg.Type)
	}
	if msg.Seq <= snap.Seq {
		t.Errorf("seq %d not after snapshot seq %d", msg.Seq, snap.Seq)
	}

	b.QueueStatus(false)
	if msg := readMessage(t, conn); msg.Type != MsgStatus {
		t.Errorf("message = %s, want status", msg.Type)
	}
}
