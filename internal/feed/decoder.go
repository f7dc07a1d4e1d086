package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsfeed/nsfeed/internal/state"
)

// Decoder projects dataUpdate payloads into state facts.
type Decoder struct {
	sink   Sink
	age    *Recalculator
	logger *slog.Logger
	now    func() time.Time
}

func newDecoder(sink Sink, logger *slog.Logger, now func() time.Time) *Decoder {
	return &Decoder{
		sink:   sink,
		age:    newRecalculator(sink, logger, now),
		logger: logger,
		now:    now,
	}
}

// Decode writes the facts derived from one dataUpdate payload. A raw
// mirror of the payload is always written first. Categories are decoded
// independently: a malformed category is reported in the returned error
// while the remaining categories are still projected.
func (d *Decoder) Decode(ctx context.Context, raw json.RawMessage) error {
	now := d.now()
	if err := d.sink.Set(ctx, KeyRawUpdate, state.Record{
		TS:  now.UnixMilli(),
		Ack: true,
		Val: compactJSON(raw),
	}); err != nil {
		return err
	}

	var upd rawDataUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return &DecodeError{Category: "payload", Err: err}
	}

	return errors.Join(
		d.decodeLastUpdated(ctx, upd.LastUpdated),
		d.decodeDeviceStatus(ctx, upd.DeviceStatus, now),
		d.decodeSGVs(ctx, upd.SGVs, now),
		d.decodeTreatments(ctx, upd.Treatments),
		d.decodeFood(upd.Food),
	)
}

func (d *Decoder) decodeLastUpdated(ctx context.Context, raw json.RawMessage) error {
	if !present(raw) {
		return nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return &DecodeError{Category: "lastUpdated", Err: err}
	}
	return d.sink.Set(ctx, KeyLastUpdate, state.Record{TS: ms, Ack: true, Val: ms})
}

// decodeDeviceStatus projects the last device status. The input slice is
// read, never mutated.
func (d *Decoder) decodeDeviceStatus(ctx context.Context, raw json.RawMessage, now time.Time) error {
	if !present(raw) {
		return nil
	}
	var list []DeviceStatus
	if err := json.Unmarshal(raw, &list); err != nil {
		return &DecodeError{Category: "devicestatus", Err: err}
	}
	if len(list) == 0 {
		return nil
	}
	ds := list[len(list)-1]

	w := &factWriter{ctx: ctx, sink: d.sink, ts: recordMillis(ds.Mills, ds.CreatedAt, now)}
	var clockErr error

	w.set(KeyDevice, ds.Device)
	if p := ds.Pump; p != nil {
		if p.Clock != "" {
			if clock, err := parseTime(p.Clock); err == nil {
				w.set(KeyClock, clock.UnixMilli())
			} else {
				clockErr = &DecodeError{Category: "devicestatus", Err: fmt.Errorf("pump clock: %w", err)}
			}
		}
		w.set(KeyReservoir, optional(p.Reservoir))
		if p.IOB != nil && p.IOB.BolusIOB != nil {
			w.set(KeyBolusIOB, *p.IOB.BolusIOB)
		}
		if p.Battery != nil && p.Battery.Percent != nil {
			w.set(KeyPumpBattery, *p.Battery.Percent)
		}
		if s := p.Status; s != nil {
			w.set(KeyBolusing, s.Bolusing)
			w.set(KeyStatus, s.Status)
			w.set(KeySuspended, s.Suspended)
		}
	}
	if w.err != nil {
		return w.err
	}

	// Uploader battery is written as a bare value, unlike every other fact.
	if ds.Uploader != nil {
		if err := d.sink.SetValue(ctx, KeyUploaderBattery, optional(ds.Uploader.Battery)); err != nil {
			return err
		}
	}
	return clockErr
}

func (d *Decoder) decodeSGVs(ctx context.Context, raw json.RawMessage, now time.Time) error {
	if !present(raw) {
		return nil
	}
	var list []SGV
	if err := json.Unmarshal(raw, &list); err != nil {
		return &DecodeError{Category: "sgvs", Err: err}
	}
	if len(list) == 0 {
		return nil
	}
	sgv := list[len(list)-1]

	scaled := sgv.Scaled
	if scaled == nil {
		scaled = sgv.Mgdl
	}

	w := &factWriter{ctx: ctx, sink: d.sink, ts: recordMillis(sgv.Mills, "", now)}
	w.set(KeyMgdl, sgv.Mgdl)
	w.set(KeyMgdlScaled, scaled)
	w.set(KeyMgdlDirection, sgv.Direction)
	return w.err
}

// decodeTreatments updates site and sensor age. A payload without
// treatments, or with a malformed treatment list, takes the recovery
// path for both categories.
func (d *Decoder) decodeTreatments(ctx context.Context, raw json.RawMessage) error {
	var (
		list      []Treatment
		decodeErr error
	)
	if present(raw) {
		if err := json.Unmarshal(raw, &list); err != nil {
			decodeErr = &DecodeError{Category: "treatments", Err: err}
			list = nil
		}
	}
	for i := range list {
		if list[i].Mills == 0 && list[i].CreatedAt != "" {
			if t, err := parseTime(list[i].CreatedAt); err == nil {
				list[i].Mills = t.UnixMilli()
			}
		}
	}

	return errors.Join(
		decodeErr,
		d.age.Apply(ctx, SiteAge, list),
		d.age.Apply(ctx, SensorAge, list),
	)
}

// decodeFood only logs what arrived; food records are not projected.
func (d *Decoder) decodeFood(raw json.RawMessage) error {
	if !present(raw) {
		return nil
	}
	var list []Food
	if err := json.Unmarshal(raw, &list); err != nil {
		return &DecodeError{Category: "food", Err: err}
	}
	siteChanges := 0
	for _, f := range list {
		if SiteAge.Matches(f.EventType) {
			siteChanges++
		}
	}
	d.logger.Debug("food records received", "count", len(list), "site_change", siteChanges)
	return nil
}

// factWriter writes records sharing one timestamp and keeps the first
// error.
type factWriter struct {
	ctx  context.Context
	sink Sink
	ts   int64
	err  error
}

func (w *factWriter) set(key string, val any) {
	if w.err != nil {
		return
	}
	w.err = w.sink.Set(w.ctx, key, state.Record{TS: w.ts, Ack: true, Val: val})
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// optional unwraps p, keeping a nil pointer as a nil value.
func optional(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// recordMillis picks a record's own timestamp: mills, then created_at,
// then now.
func recordMillis(mills int64, createdAt string, now time.Time) int64 {
	if mills > 0 {
		return mills
	}
	if createdAt != "" {
		if t, err := parseTime(createdAt); err == nil {
			return t.UnixMilli()
		}
	}
	return now.UnixMilli()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
}

// parseTime accepts the ISO-8601 variants seen from uploaders. Times
// without a zone are taken as UTC.
func parseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
