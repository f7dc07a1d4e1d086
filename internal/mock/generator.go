package mock

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/nsfeed/nsfeed/internal/feed"
)

// Glucose patterns the generator can walk.
const (
	PatternSteady  = "steady"
	PatternRising  = "rising"
	PatternFalling = "falling"
	PatternWave    = "wave"
)

const (
	minMgdl = 40
	maxMgdl = 400
)

// Generator produces a plausible stream of dataUpdate payloads: a random
// walk of glucose values plus a draining pump and phone battery.
type Generator struct {
	rng     *rand.Rand
	pattern string
	now     func() time.Time

	tick        int
	mgdl        float64
	prevMgdl    float64
	reservoir   float64
	pumpBattery float64
	phone       float64
	iob         float64
	siteChange  time.Time
	sensorStart time.Time
}

// NewGenerator returns a generator seeded for reproducible output.
func NewGenerator(seed int64, pattern string) *Generator {
	return newGenerator(seed, pattern, time.Now)
}

func newGenerator(seed int64, pattern string, now func() time.Time) *Generator {
	switch pattern {
	case PatternSteady, PatternRising, PatternFalling, PatternWave:
	default:
		pattern = PatternSteady
	}
	start := now()
	return &Generator{
		rng:         rand.New(rand.NewSource(seed)),
		pattern:     pattern,
		now:         now,
		mgdl:        120,
		prevMgdl:    120,
		reservoir:   180,
		pumpBattery: 95,
		phone:       88,
		siteChange:  start.Add(-52 * time.Hour),
		sensorStart: start.Add(-6*24*time.Hour - 3*time.Hour),
	}
}

// Next advances the walk one step and returns the resulting payload.
// Every tenth step also carries the treatment history.
func (g *Generator) Next() feed.DataUpdate {
	g.tick++
	now := g.now()
	g.advance()

	mills := now.UnixMilli()
	reservoir := round1(g.reservoir)
	iob := round2(g.iob)
	percent := math.Round(g.pumpBattery)
	phone := math.Round(g.phone)

	upd := feed.DataUpdate{
		LastUpdated: &mills,
		DeviceStatus: []feed.DeviceStatus{{
			Device: "mock://pump",
			Mills:  mills,
			Pump: &feed.Pump{
				Clock:     now.UTC().Format(time.RFC3339),
				Reservoir: &reservoir,
				IOB:       &feed.PumpIOB{BolusIOB: &iob},
				Battery:   &feed.PumpBattery{Percent: &percent},
				Status: &feed.PumpStatus{
					Status:   "normal",
					Bolusing: g.tick%12 == 0,
				},
			},
			Uploader: &feed.Uploader{Battery: &phone},
		}},
		SGVs: []feed.SGV{{
			Mgdl:      math.Round(g.mgdl),
			Mills:     mills,
			Direction: Direction(g.mgdl - g.prevMgdl),
			Device:    "mock-cgm",
		}},
	}
	if g.tick%10 == 1 {
		upd.Treatments = g.Treatments()
	}
	return upd
}

// Treatments returns the site and sensor change history.
func (g *Generator) Treatments() []feed.Treatment {
	return []feed.Treatment{
		{EventType: "Sensor Start", Mills: g.sensorStart.UnixMilli()},
		{EventType: "Site Change", Mills: g.siteChange.UnixMilli()},
	}
}

// Notification returns an alert describing the current glucose, or
// false when it is in range.
func (g *Generator) Notification() (feed.Notification, bool) {
	mgdl := int(math.Round(g.mgdl))
	var title string
	switch {
	case mgdl < 70:
		title = "Low"
	case mgdl > 250:
		title = "High"
	default:
		return feed.Notification{}, false
	}
	ts := g.now().UnixMilli()
	return feed.Notification{
		Timestamp: []byte(strconv.FormatInt(ts, 10)),
		Title:     title,
		Message:   " " + strconv.Itoa(mgdl) + " mg/dl",
		Level:     1,
	}, true
}

func (g *Generator) advance() {
	g.prevMgdl = g.mgdl

	var drift float64
	switch g.pattern {
	case PatternRising:
		drift = 2.5
	case PatternFalling:
		drift = -2.5
	case PatternWave:
		drift = 6 * math.Sin(float64(g.tick)/8.0)
	}
	jitter := g.rng.Float64()*6 - 3
	g.mgdl = clamp(g.mgdl+drift+jitter, minMgdl, maxMgdl)

	// Patterns that hit a bound bounce back toward range.
	if g.mgdl <= minMgdl && g.pattern == PatternFalling {
		g.pattern = PatternRising
	}
	if g.mgdl >= maxMgdl && g.pattern == PatternRising {
		g.pattern = PatternFalling
	}

	if g.tick%6 == 0 {
		g.iob += 1 + g.rng.Float64()*2
		g.reservoir -= g.iob
	}
	g.iob = math.Max(0, g.iob-0.15)
	g.reservoir = math.Max(0, g.reservoir-0.05)
	g.pumpBattery = math.Max(0, g.pumpBattery-0.02)
	g.phone = math.Max(5, g.phone-0.1)
}

// Direction maps a five-minute delta to the trend names uploaders send.
func Direction(delta float64) string {
	switch {
	case delta <= -15:
		return "DoubleDown"
	case delta <= -10:
		return "SingleDown"
	case delta <= -5:
		return "FortyFiveDown"
	case delta < 5:
		return "Flat"
	case delta < 10:
		return "FortyFiveUp"
	case delta < 15:
		return "SingleUp"
	}
	return "DoubleUp"
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
