package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsfeed/nsfeed/internal/socketio"
	"github.com/nsfeed/nsfeed/internal/state"
)

type emitted struct {
	name    string
	payload any
	ack     socketio.AckFunc
}

type fakeTransport struct {
	mu      sync.Mutex
	events  chan socketio.Event
	started bool
	closes  int
	emits   []emitted
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan socketio.Event, 16)}
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Events() <-chan socketio.Event { return f.events }

func (f *fakeTransport) Emit(name string, payload any, ack socketio.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{name, payload, ack})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) lastEmit(t *testing.T) emitted {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.emits) == 0 {
		t.Fatal("nothing emitted")
	}
	return f.emits[len(f.emits)-1]
}

type sessionHarness struct {
	session   *Session
	transport *fakeTransport
	store     *state.Store
	status    chan bool
	runErr    chan error
}

func startSession(t *testing.T, cfg SessionConfig) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		transport: newFakeTransport(),
		store:     newTestStore(t),
		status:    make(chan bool, 8),
		runErr:    make(chan error, 1),
	}
	dial := func(string, socketio.Options) (Transport, error) { return h.transport, nil }
	h.session = NewSession(cfg, h.store,
		WithDialer(dial), WithClock(testClock), WithLogger(discardLogger()))
	h.session.OnStatus(func(connected bool) { h.status <- connected })

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go func() { h.runErr <- h.session.Run(context.Background()) }()
	t.Cleanup(func() { h.session.Close() })
	return h
}

func (h *sessionHarness) push(ev socketio.Event) { h.transport.events <- ev }

func (h *sessionHarness) waitStatus(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-h.status:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %v", want)
	}
}

// sync waits until every event pushed so far has been handled.
func (h *sessionHarness) sync(t *testing.T) {
	t.Helper()
	h.push(socketio.Event{Name: socketio.EventDisconnect})
	h.waitStatus(t, false)
}

func TestSessionConnectAuthorizes(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example", Secret: "abc"})

	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)

	em := h.transport.lastEmit(t)
	if em.name != "authorize" {
		t.Fatalf("emitted %q, want authorize", em.name)
	}
	req, ok := em.payload.(authRequest)
	if !ok {
		t.Fatalf("payload type %T, want authRequest", em.payload)
	}
	want := authRequest{Client: "web", Secret: "a9993e364706816aba3e25717850c26c9cd0d89d", History: 48}
	if req != want {
		t.Errorf("authorize = %+v, want %+v", req, want)
	}
	if em.ack == nil {
		t.Fatal("authorize sent without ack handler")
	}

	em.ack([]json.RawMessage{json.RawMessage(`{"read": true, "write": false}`)})
	if got := h.session.Health().Snapshot().Auth; got != AuthGranted {
		t.Errorf("Auth = %s, want granted", got)
	}
	if !h.session.Connected() {
		t.Error("Connected() = false after connect")
	}
	if rec := mustGet(t, h.store, KeyConnection); rec.Val != true {
		t.Errorf("info.connection = %v, want true", rec.Val)
	}
}

func TestSessionAuthorizeOmitsEmptySecret(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)

	raw, err := json.Marshal(h.transport.lastEmit(t).payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"client":"web","history":48}` {
		t.Errorf("authorize body = %s", raw)
	}
}

func TestSessionUnauthorized(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example", SecretHash: "bad"})
	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)

	h.transport.lastEmit(t).ack([]json.RawMessage{json.RawMessage(`{"read": false}`)})
	if got := h.session.Health().Snapshot().Status; got != StatusUnauthorized {
		t.Errorf("Status = %s, want unauthorized", got)
	}
	// Authentication failure is not fatal: the session stays up.
	if !h.session.Connected() {
		t.Error("session dropped after failed authorization")
	}
}

func TestSessionDisconnect(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)
	h.push(socketio.Event{Name: socketio.EventDisconnect})
	h.waitStatus(t, false)

	if h.session.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if rec := mustGet(t, h.store, KeyConnection); rec.Val != false {
		t.Errorf("info.connection = %v, want false", rec.Val)
	}
}

func TestSessionOnStatusFansOut(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	second := make(chan bool, 4)
	h.session.OnStatus(func(connected bool) { second <- connected })

	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)
	h.push(socketio.Event{Name: socketio.EventDisconnect})
	h.waitStatus(t, false)

	for _, want := range []bool{true, false} {
		select {
		case got := <-second:
			if got != want {
				t.Errorf("second observer got %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("second observer never saw %v", want)
		}
	}
}

func TestSessionReconnectResetsDedup(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	writes := 0
	var mu sync.Mutex
	h.store.Subscribe(func(key string, _ state.Record) {
		if key == KeyNotification {
			mu.Lock()
			writes++
			mu.Unlock()
		}
	})
	note := event(EventNotification, `{"timestamp": 1710071000000, "title": "x"}`)

	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)
	h.push(note)
	h.push(note)
	h.push(socketio.Event{Name: socketio.EventDisconnect})
	h.waitStatus(t, false)
	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)
	h.push(note)
	h.sync(t)

	mu.Lock()
	defer mu.Unlock()
	if writes != 2 {
		t.Errorf("notification writes = %d, want 2", writes)
	}
}

func TestSessionRoutesDataUpdates(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	h.push(socketio.Event{Name: socketio.EventConnect})
	h.waitStatus(t, true)
	h.push(event(EventDataUpdate, `{"sgvs": [{"mgdl": 120, "mills": 1710071000000}]}`))
	h.sync(t)

	if rec := mustGet(t, h.store, KeyMgdl); rec.Val != float64(120) {
		t.Errorf("mgdl = %v, want 120", rec.Val)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})

	if err := h.session.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.session.Transport() != nil {
		t.Error("transport still set after Close")
	}

	h.transport.mu.Lock()
	closes := h.transport.closes
	h.transport.mu.Unlock()
	if closes != 1 {
		t.Errorf("transport closed %d times, want 1", closes)
	}

	select {
	case <-h.runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSessionCloseBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{URL: "https://feed.example"}, newTestStore(t), WithLogger(discardLogger()))
	if err := s.Close(); err != nil {
		t.Errorf("Close before Connect: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run before Connect = %v, want ErrNotConnected", err)
	}
}

func TestSessionConnectTwice(t *testing.T) {
	h := startSession(t, SessionConfig{URL: "https://feed.example"})
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestSessionConnectInvalidURL(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ftp://feed.example"}, newTestStore(t), WithLogger(discardLogger()))
	if err := s.Connect(context.Background()); err == nil {
		t.Error("Connect with unsupported scheme should fail")
	}
	if s.Transport() != nil {
		t.Error("transport set after failed Connect")
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	store := newTestStore(t)
	a := NewSession(SessionConfig{}, store)
	b := NewSession(SessionConfig{}, store)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("session ids %q and %q should be distinct and non-empty", a.ID(), b.ID())
	}
}
