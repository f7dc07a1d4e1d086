package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nsfeed/nsfeed/internal/socketio"
	"github.com/nsfeed/nsfeed/internal/state"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.NewStore(nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustGet(t *testing.T, s *state.Store, key string) state.Record {
	t.Helper()
	rec, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	if !ok {
		t.Fatalf("Get(%s): not found", key)
	}
	return rec
}

func assertAbsent(t *testing.T, s *state.Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if _, ok, _ := s.Get(context.Background(), key); ok {
			t.Errorf("%s was written, want absent", key)
		}
	}
}

func event(name, payload string) socketio.Event {
	ev := socketio.Event{Name: name}
	if payload != "" {
		ev.Args = []json.RawMessage{json.RawMessage(payload)}
	}
	return ev
}

func hoursAgo(h int) int64 {
	return testNow.Add(-time.Duration(h) * time.Hour).UnixMilli()
}
