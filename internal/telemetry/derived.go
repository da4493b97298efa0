// Package telemetry converts raw vendor telemetry samples into the
// unit-converted, baseline-adjusted state published to the FTMS peer.
package telemetry

import (
	"time"

	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

// calorieRawDivisor converts the raw cumulative calorie counter to
// kilocalories. Empirical; provenance undocumented (see DESIGN.md Open
// Question 2).
const calorieRawDivisor = 97656.0

// maxIntegrationGap bounds the dt used for distance dead-reckoning when the
// device reports no raw distance; larger gaps are treated as a stale
// sample and are not integrated.
const maxIntegrationGap = 2 * time.Second

// metersPerKphSecond converts km/h to m/s: 1000/3600.
const metersPerKphSecond = 1000.0 / 3600.0

// DerivedState is the unit-converted, baseline-adjusted snapshot published
// to FTMS Treadmill Data.
type DerivedState struct {
	SpeedKph     float64
	InclinePct   float64
	DistanceM    float64
	ElapsedTimeS uint32
	CaloriesKcal float64
}

// Tracker accumulates DerivedState across a single Central Active session.
// A Tracker must not be reused across sessions; each reconnect gets a fresh
// Tracker so baselines and distance dead-reckoning restart cleanly.
type Tracker struct {
	haveBaseline   bool
	baselineTime   uint32
	baselineCal    uint32
	haveLastUpdate bool
	lastUpdateAt   time.Time
	state          DerivedState
}

// NewTracker returns a Tracker with no baseline established.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Update folds one decoded telemetry sample into the tracker's state and
// returns the resulting DerivedState.
func (t *Tracker) Update(sample vendorframe.TelemetrySample, now time.Time) DerivedState {
	t.applyBaseline(sample)

	t.state.SpeedKph = float64(sample.SpeedRaw) / 100.0
	t.state.InclinePct = float64(sample.InclineRaw) / 100.0
	t.state.CaloriesKcal = float64(sample.CalRaw-t.baselineCal) / calorieRawDivisor

	t.updateDistance(sample, now)

	t.lastUpdateAt = now
	t.haveLastUpdate = true

	return t.state
}

func (t *Tracker) applyBaseline(sample vendorframe.TelemetrySample) {
	if !t.haveBaseline {
		t.baselineTime = sample.TimeRaw
		t.baselineCal = sample.CalRaw
		t.haveBaseline = true
	} else {
		if sample.TimeRaw < t.baselineTime {
			t.baselineTime = sample.TimeRaw
		}
		if sample.CalRaw < t.baselineCal {
			t.baselineCal = sample.CalRaw
		}
	}
	t.state.ElapsedTimeS = sample.TimeRaw - t.baselineTime
}

func (t *Tracker) updateDistance(sample vendorframe.TelemetrySample, now time.Time) {
	if sample.DistRaw != 0 {
		candidate := float64(sample.DistRaw) / 100.0
		if candidate > t.state.DistanceM {
			t.state.DistanceM = candidate
		}
		return
	}

	if !t.haveLastUpdate {
		return
	}
	dt := now.Sub(t.lastUpdateAt)
	if dt <= 0 || dt > maxIntegrationGap {
		return
	}

	t.state.DistanceM += t.state.SpeedKph * metersPerKphSecond * dt.Seconds()
}
