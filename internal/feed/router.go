package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nsfeed/nsfeed/internal/socketio"
	"github.com/nsfeed/nsfeed/internal/state"
)

// Remote event names.
const (
	EventNotification = "notification"
	EventAnnouncement = "announcement"
	EventAlarm        = "alarm"
	EventUrgentAlarm  = "urgent_alarm"
	EventClearAlarm   = "clear_alarm"
	EventDataUpdate   = "dataUpdate"
	EventRetroUpdate  = "retroUpdate"
)

// Sink is the state store facts are written to. *state.Store
// satisfies it.
type Sink interface {
	Get(ctx context.Context, key string) (state.Record, bool, error)
	Set(ctx context.Context, key string, rec state.Record) error
	SetValue(ctx context.Context, key string, val any) error
}

// Router hands each feed event to its handler. Handler failures are
// contained to the event that caused them.
type Router struct {
	sink    Sink
	decoder *Decoder
	dedup   *Deduplicator
	health  *Health
	logger  *slog.Logger
	now     func() time.Time
}

func newRouter(sink Sink, dedup *Deduplicator, health *Health, logger *slog.Logger, now func() time.Time) *Router {
	return &Router{
		sink:    sink,
		decoder: newDecoder(sink, logger, now),
		dedup:   dedup,
		health:  health,
		logger:  logger,
		now:     now,
	}
}

// Route handles one event. The returned error has already been logged;
// it is exposed for callers that want to count failures.
func (r *Router) Route(ctx context.Context, ev socketio.Event) (err error) {
	r.health.recordEvent(ev.Name, r.now())

	defer func() {
		if p := recover(); p != nil {
			err = &DecodeError{Event: ev.Name, Category: "panic", Err: fmt.Errorf("%v", p)}
		}
		if ev.Name == EventDataUpdate {
			if err != nil {
				r.health.recordDecodeFailure(err, r.now())
			} else {
				r.health.recordDecodeSuccess()
			}
		}
		if err != nil {
			r.logger.Error("handling feed event failed", "event", ev.Name, "error", err)
		}
	}()

	return r.dispatch(ctx, ev)
}

func (r *Router) dispatch(ctx context.Context, ev socketio.Event) error {
	switch ev.Name {
	case EventNotification:
		return r.handleNotification(ctx, ev.Data())
	case EventAlarm:
		return r.handleAlarm(ctx, KeyAlarm, ev)
	case EventUrgentAlarm:
		return r.handleAlarm(ctx, KeyUrgentAlarm, ev)
	case EventClearAlarm:
		return r.handleClearAlarm(ctx)
	case EventDataUpdate:
		err := r.decoder.Decode(ctx, ev.Data())
		tagEvent(err, ev.Name)
		return err
	case EventAnnouncement:
		var n Notification
		if err := json.Unmarshal(ev.Data(), &n); err != nil {
			return &DecodeError{Event: ev.Name, Category: "payload", Err: err}
		}
		r.logger.Info("announcement", "title", n.Title, "message", n.Message)
	case EventRetroUpdate:
		r.logger.Debug("retro update received", "bytes", len(ev.Data()))
	default:
		r.logger.Debug("ignoring feed event", "event", ev.Name)
	}
	return nil
}

// handleNotification writes data.notification unless the notification
// repeats the timestamp of the previous one.
func (r *Router) handleNotification(ctx context.Context, data json.RawMessage) error {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return &DecodeError{Event: EventNotification, Category: "payload", Err: err}
	}

	cursor := timestampKey(n.Timestamp)
	if !r.dedup.Accept(cursor) {
		r.logger.Debug("duplicate notification dropped", "timestamp", cursor)
		return nil
	}

	ts, ok := parseTimestamp(n.Timestamp)
	if !ok {
		ts = r.now().UnixMilli()
	}
	return r.sink.Set(ctx, KeyNotification, state.Record{TS: ts, Ack: true, Val: n.Title + n.Message})
}

func (r *Router) handleAlarm(ctx context.Context, key string, ev socketio.Event) error {
	var n Notification
	if err := json.Unmarshal(ev.Data(), &n); err != nil {
		return &DecodeError{Event: ev.Name, Category: "payload", Err: err}
	}
	r.logger.Warn("feed alarm", "event", ev.Name, "title", n.Title, "level", n.Level)
	return r.sink.Set(ctx, key, state.Record{TS: r.now().UnixMilli(), Ack: true, Val: n.Title + n.Message})
}

func (r *Router) handleClearAlarm(ctx context.Context) error {
	ts := r.now().UnixMilli()
	for _, key := range []string{KeyAlarm, KeyUrgentAlarm} {
		if err := r.sink.Set(ctx, key, state.Record{TS: ts, Ack: true, Val: ""}); err != nil {
			return err
		}
	}
	return nil
}

// tagEvent stamps the event name on every DecodeError in err's tree.
func tagEvent(err error, name string) {
	switch e := err.(type) {
	case nil:
	case *DecodeError:
		e.Event = name
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			tagEvent(inner, name)
		}
	}
}

// timestampKey is the dedup cursor form of a raw timestamp; empty when
// the timestamp is absent or null. Numbers are normalised so 1000 and
// 1e3 share a cursor. Strings keep their quoted text.
func timestampKey(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return compactJSON(raw)
}

// parseTimestamp reads epoch milliseconds from a number, a numeric
// string or an ISO-8601 string.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if !present(raw) {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}
	if t, err := parseTime(s); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}
