package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nsfeed/nsfeed/internal/state"
)

// AgeInfo is the elapsed time since a device component was last changed.
// Age is whole hours (not reduced mod 24); Age == Days*24 + Hours.
type AgeInfo struct {
	Found     bool
	Age       int
	Days      int
	Hours     int
	Reference int64 // epoch ms of the change event
}

// AgeSince computes the age of ref relative to now. Arithmetic is done in
// UTC with fixed 24-hour days, truncating toward zero.
func AgeSince(ref int64, now time.Time) AgeInfo {
	elapsed := now.UTC().Sub(time.UnixMilli(ref).UTC())
	age := int(elapsed / time.Hour)
	days := int(elapsed / (24 * time.Hour))
	return AgeInfo{
		Found:     true,
		Age:       age,
		Days:      days,
		Hours:     age - days*24,
		Reference: ref,
	}
}

// ComputeAge picks the change event closest to now among candidates.
// A candidate is considered only if it is later than the previously
// considered one and not after now. The first considered candidate is
// taken unconditionally; later ones replace it when their age is
// non-negative and smaller.
func ComputeAge(candidates []int64, now time.Time) AgeInfo {
	var (
		best AgeInfo
		prev int64
	)
	nowMs := now.UnixMilli()
	for _, ts := range candidates {
		if ts <= prev || ts > nowMs {
			continue
		}
		prev = ts
		info := AgeSince(ts, now)
		if !best.Found || (info.Age >= 0 && info.Age < best.Age) {
			best = info
		}
	}
	return best
}

// AgeCategory is a class of treatments whose age is tracked under Prefix.
type AgeCategory struct {
	Name    string
	Prefix  string
	markers []string
}

var (
	// SiteAge tracks cannula/site changes under data.cage.
	SiteAge = AgeCategory{Name: "site", Prefix: "data.cage", markers: []string{"Site Change"}}
	// SensorAge tracks sensor starts and changes under data.sage.
	SensorAge = AgeCategory{Name: "sensor", Prefix: "data.sage", markers: []string{"Sensor Start", "Sensor Change"}}
)

// Matches reports whether a treatment event type belongs to the category.
func (c AgeCategory) Matches(eventType string) bool {
	for _, m := range c.markers {
		if strings.Contains(eventType, m) {
			return true
		}
	}
	return false
}

// Filter returns the timestamps of the treatments in the category, in
// input order.
func (c AgeCategory) Filter(treatments []Treatment) []int64 {
	var out []int64
	for _, t := range treatments {
		if c.Matches(t.EventType) {
			out = append(out, t.Mills)
		}
	}
	return out
}

// Recalculator writes age facts for a category, either from fresh
// treatments or, when none qualify, from the stored changed timestamp.
type Recalculator struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

func newRecalculator(sink Sink, logger *slog.Logger, now func() time.Time) *Recalculator {
	return &Recalculator{sink: sink, logger: logger, now: now}
}

// Apply computes the category's age from treatments. Without a
// qualifying treatment it falls back to Recover.
func (r *Recalculator) Apply(ctx context.Context, cat AgeCategory, treatments []Treatment) error {
	now := r.now()
	info := ComputeAge(cat.Filter(treatments), now)
	if !info.Found {
		return r.Recover(ctx, cat)
	}

	if err := r.writeAge(ctx, cat, info, now); err != nil {
		return err
	}
	return r.sink.Set(ctx, cat.Prefix+suffixChanged, state.Record{
		TS:  info.Reference,
		Ack: true,
		Val: info.Reference,
	})
}

// Recover recomputes the category's age from the last stored changed
// timestamp. The changed fact itself is left untouched. Nothing is
// written when no timestamp has been stored.
func (r *Recalculator) Recover(ctx context.Context, cat AgeCategory) error {
	rec, ok, err := r.sink.Get(ctx, cat.Prefix+suffixChanged)
	if err != nil {
		return fmt.Errorf("reading %s changed: %w", cat.Name, err)
	}
	if !ok {
		r.logger.Debug("no stored change event", "category", cat.Name)
		return nil
	}
	ref, ok := epochMillis(rec.Val)
	if !ok {
		ref = rec.TS
	}
	if ref <= 0 {
		return nil
	}

	now := r.now()
	return r.writeAge(ctx, cat, AgeSince(ref, now), now)
}

func (r *Recalculator) writeAge(ctx context.Context, cat AgeCategory, info AgeInfo, now time.Time) error {
	ts := now.UnixMilli()
	facts := []struct {
		suffix string
		val    int
	}{
		{suffixAge, info.Age},
		{suffixDays, info.Days},
		{suffixHours, info.Hours},
	}
	for _, f := range facts {
		if err := r.sink.Set(ctx, cat.Prefix+f.suffix, state.Record{TS: ts, Ack: true, Val: f.val}); err != nil {
			return err
		}
	}
	return nil
}

// epochMillis converts a stored value back into epoch milliseconds. JSON
// backends return numbers as float64.
func epochMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}
