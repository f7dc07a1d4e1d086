package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nsfeed/nsfeed/internal/state"
)

func newTestDecoder(t *testing.T) (*Decoder, *state.Store) {
	t.Helper()
	store := newTestStore(t)
	return newDecoder(store, discardLogger(), testClock), store
}

func TestDecodeFullPayload(t *testing.T) {
	d, store := newTestDecoder(t)
	statusMills := hoursAgo(1)
	sgvMills := hoursAgo(0) - 60000

	payload := fmt.Sprintf(`{
		"lastUpdated": 1710071000000,
		"devicestatus": [
			{"device": "old-pump", "mills": 1},
			{
				"device": "openaps://phone",
				"mills": %d,
				"pump": {
					"clock": "2024-03-10T10:55:00Z",
					"reservoir": 112.5,
					"iob": {"bolusiob": 1.25},
					"battery": {"percent": 80},
					"status": {"status": "normal", "bolusing": true, "suspended": false}
				},
				"uploader": {"battery": 64}
			}
		],
		"sgvs": [
			{"mgdl": 100, "mills": 1},
			{"mgdl": 142, "mills": %d, "direction": "Flat", "scaled": "7.9"}
		],
		"treatments": [
			{"eventType": "Site Change", "mills": %d},
			{"eventType": "Sensor Start", "mills": %d}
		]
	}`, statusMills, sgvMills, hoursAgo(26), hoursAgo(100))

	if err := d.Decode(context.Background(), json.RawMessage(payload)); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tests := []struct {
		key    string
		want   any
		wantTS int64
	}{
		{KeyLastUpdate, int64(1710071000000), 1710071000000},
		{KeyDevice, "openaps://phone", statusMills},
		{KeyClock, int64(1710068100000), statusMills},
		{KeyReservoir, 112.5, statusMills},
		{KeyBolusIOB, 1.25, statusMills},
		{KeyPumpBattery, float64(80), statusMills},
		{KeyBolusing, true, statusMills},
		{KeyStatus, "normal", statusMills},
		{KeySuspended, false, statusMills},
		{KeyMgdl, float64(142), sgvMills},
		{KeyMgdlScaled, "7.9", sgvMills},
		{KeyMgdlDirection, "Flat", sgvMills},
		{"data.cage.age", 26, testNow.UnixMilli()},
		{"data.cage.days", 1, testNow.UnixMilli()},
		{"data.cage.hours", 2, testNow.UnixMilli()},
		{"data.sage.age", 100, testNow.UnixMilli()},
		{"data.sage.days", 4, testNow.UnixMilli()},
		{"data.sage.hours", 4, testNow.UnixMilli()},
	}
	for _, tt := range tests {
		rec := mustGet(t, store, tt.key)
		if rec.Val != tt.want {
			t.Errorf("%s = %v (%T), want %v (%T)", tt.key, rec.Val, rec.Val, tt.want, tt.want)
		}
		if rec.TS != tt.wantTS {
			t.Errorf("%s ts = %d, want %d", tt.key, rec.TS, tt.wantTS)
		}
		if !rec.Ack {
			t.Errorf("%s not acknowledged", tt.key)
		}
	}

	battery := mustGet(t, store, KeyUploaderBattery)
	if battery.Val != float64(64) || !battery.Ack {
		t.Errorf("uploader battery = %+v, want 64 acknowledged", battery)
	}

	raw := mustGet(t, store, KeyRawUpdate)
	if s, ok := raw.Val.(string); !ok || s == "" {
		t.Errorf("raw update = %v, want compact JSON string", raw.Val)
	}
}

func TestDecodeEmptyDeviceStatus(t *testing.T) {
	d, store := newTestDecoder(t)

	if err := d.Decode(context.Background(), json.RawMessage(`{"devicestatus": []}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	assertAbsent(t, store,
		KeyDevice, KeyClock, KeyReservoir, KeyBolusIOB, KeyPumpBattery,
		KeyBolusing, KeyStatus, KeySuspended, KeyUploaderBattery)
	mustGet(t, store, KeyRawUpdate)
}

func TestDecodeMissingOptionalFields(t *testing.T) {
	d, store := newTestDecoder(t)

	payload := `{"devicestatus": [{"device": "loop", "mills": 5, "pump": {}}]}`
	if err := d.Decode(context.Background(), json.RawMessage(payload)); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if rec := mustGet(t, store, KeyReservoir); rec.Val != nil {
		t.Errorf("reservoir = %v, want nil", rec.Val)
	}
	assertAbsent(t, store, KeyClock, KeyBolusIOB, KeyPumpBattery, KeyStatus, KeyUploaderBattery)
}

func TestDecodeScaledFallsBackToMgdl(t *testing.T) {
	d, store := newTestDecoder(t)

	if err := d.Decode(context.Background(), json.RawMessage(`{"sgvs": [{"mgdl": 98, "mills": 10}]}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec := mustGet(t, store, KeyMgdlScaled); rec.Val != float64(98) {
		t.Errorf("scaled = %v, want 98", rec.Val)
	}
}

func TestDecodeFractionalMgdl(t *testing.T) {
	d, store := newTestDecoder(t)

	payload := `{"sgvs": [{"mgdl": 120.0, "mills": 10, "direction": "Flat"}, {"mgdl": 121.5, "mills": 20}]}`
	if err := d.Decode(context.Background(), json.RawMessage(payload)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec := mustGet(t, store, KeyMgdl); rec.Val != 121.5 || rec.TS != 20 {
		t.Errorf("mgdl = %+v, want 121.5 at 20", rec)
	}
}

func TestDecodeMalformedCategory(t *testing.T) {
	d, store := newTestDecoder(t)

	payload := `{"sgvs": "not a list", "devicestatus": [{"device": "loop", "mills": 5}]}`
	err := d.Decode(context.Background(), json.RawMessage(payload))

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Decode error = %v, want *DecodeError", err)
	}
	if de.Category != "sgvs" {
		t.Errorf("Category = %q, want sgvs", de.Category)
	}
	if rec := mustGet(t, store, KeyDevice); rec.Val != "loop" {
		t.Errorf("device = %v, want loop", rec.Val)
	}
	assertAbsent(t, store, KeyMgdl)
}

func TestDecodeInvalidPayload(t *testing.T) {
	d, store := newTestDecoder(t)

	err := d.Decode(context.Background(), json.RawMessage(`[1,2`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Category != "payload" {
		t.Fatalf("Decode error = %v, want payload DecodeError", err)
	}
	mustGet(t, store, KeyRawUpdate)
}

func TestDecodeBadPumpClock(t *testing.T) {
	d, store := newTestDecoder(t)

	payload := `{"devicestatus": [{"device": "loop", "mills": 5, "pump": {"clock": "yesterday", "reservoir": 10}}]}`
	err := d.Decode(context.Background(), json.RawMessage(payload))
	if err == nil {
		t.Fatal("Decode should report the unparsable clock")
	}
	assertAbsent(t, store, KeyClock)
	if rec := mustGet(t, store, KeyReservoir); rec.Val != float64(10) {
		t.Errorf("reservoir = %v, want 10", rec.Val)
	}
}

func TestDecodeWithoutTreatmentsRecovers(t *testing.T) {
	d, store := newTestDecoder(t)
	ctx := context.Background()
	ref := hoursAgo(30)
	if err := store.Set(ctx, "data.sage.changed", state.Record{TS: ref, Ack: true, Val: ref}); err != nil {
		t.Fatal(err)
	}

	if err := d.Decode(ctx, json.RawMessage(`{"sgvs": []}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec := mustGet(t, store, "data.sage.age"); rec.Val != 30 {
		t.Errorf("sage age = %v, want 30", rec.Val)
	}
	assertAbsent(t, store, "data.cage.age")
}

func TestDecodeTreatmentCreatedAt(t *testing.T) {
	d, store := newTestDecoder(t)

	payload := `{"treatments": [{"eventType": "Site Change", "created_at": "2024-03-09T12:00:00Z"}]}`
	if err := d.Decode(context.Background(), json.RawMessage(payload)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec := mustGet(t, store, "data.cage.age"); rec.Val != 24 {
		t.Errorf("cage age = %v, want 24", rec.Val)
	}
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2024-03-10T10:55:00Z",
		"2024-03-10T10:55:00.000Z",
		"2024-03-10T11:55:00+0100",
		"2024-03-10T11:55:00+01:00",
		"2024-03-10T10:55:00",
	} {
		got, err := parseTime(s)
		if err != nil {
			t.Errorf("parseTime(%q): %v", s, err)
			continue
		}
		if got.UnixMilli() != 1710068100000 {
			t.Errorf("parseTime(%q) = %v, want 2024-03-10T10:55:00Z", s, got)
		}
	}
	if _, err := parseTime("soon"); err == nil {
		t.Error("parseTime(soon) should fail")
	}
}
