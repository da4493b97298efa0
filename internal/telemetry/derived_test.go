package telemetry_test

import (
	"testing"
	"time"

	"github.com/tlbridge/tlbridge/internal/telemetry"
	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

func sample(speed, incline uint16, timeRaw, calRaw, distRaw uint32) vendorframe.TelemetrySample {
	return vendorframe.TelemetrySample{
		SpeedRaw: speed, InclineRaw: incline, TimeRaw: timeRaw, CalRaw: calRaw, DistRaw: distRaw,
	}
}

func TestTrackerBaselineSubtraction(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	first := tr.Update(sample(0, 0, 1000, 50, 0), now)
	if first.ElapsedTimeS != 0 {
		t.Errorf("first ElapsedTimeS = %d, want 0 (baseline)", first.ElapsedTimeS)
	}

	second := tr.Update(sample(0, 0, 1010, 60, 0), now.Add(10*time.Second))
	if second.ElapsedTimeS != 10 {
		t.Errorf("second ElapsedTimeS = %d, want 10", second.ElapsedTimeS)
	}
}

func TestTrackerRebaselineOnUnderflow(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	tr.Update(sample(0, 0, 5000, 500, 0), now)

	// The raw counter rewinds below the established baseline (power cycle
	// or counter wraparound on the vendor side): the tracker must treat
	// this as a new baseline rather than producing a negative elapsed time.
	d := tr.Update(sample(0, 0, 100, 20, 0), now.Add(1*time.Second))
	if d.ElapsedTimeS != 0 {
		t.Errorf("ElapsedTimeS after underflow = %d, want 0 (rebaseline)", d.ElapsedTimeS)
	}

	d2 := tr.Update(sample(0, 0, 150, 30, 0), now.Add(2*time.Second))
	if d2.ElapsedTimeS != 50 {
		t.Errorf("ElapsedTimeS after rebaseline = %d, want 50", d2.ElapsedTimeS)
	}
}

func TestTrackerDistanceDirectAndMonotonic(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	d1 := tr.Update(sample(0, 0, 0, 0, 1000), now)
	if d1.DistanceM != 10.0 {
		t.Errorf("DistanceM = %v, want 10.0", d1.DistanceM)
	}

	// A raw distance sample that arrives out of order and is smaller than
	// what has already been reported must not move distance backwards.
	d2 := tr.Update(sample(0, 0, 1, 0, 500), now.Add(1*time.Second))
	if d2.DistanceM != 10.0 {
		t.Errorf("DistanceM after smaller raw sample = %v, want unchanged 10.0", d2.DistanceM)
	}

	d3 := tr.Update(sample(0, 0, 2, 0, 2000), now.Add(2*time.Second))
	if d3.DistanceM != 20.0 {
		t.Errorf("DistanceM = %v, want 20.0", d3.DistanceM)
	}
}

func TestTrackerDistanceDeadReckoning(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	// 600 raw = 6.00 km/h, DistRaw = 0 thereafter so distance must be
	// integrated from speed and elapsed wall-clock time.
	tr.Update(sample(600, 0, 0, 0, 0), now)
	d := tr.Update(sample(600, 0, 1, 0, 0), now.Add(1*time.Second))

	wantMetersPerSecond := 6.0 * 1000.0 / 3600.0
	if diff := d.DistanceM - wantMetersPerSecond; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("DistanceM = %v, want ~%v", d.DistanceM, wantMetersPerSecond)
	}
}

func TestTrackerDistanceIntegrationSkipsStaleGap(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	tr.Update(sample(600, 0, 0, 0, 0), now)
	// A gap longer than the 2s integration window must not be integrated.
	d := tr.Update(sample(600, 0, 5, 0, 0), now.Add(5*time.Second))
	if d.DistanceM != 0 {
		t.Errorf("DistanceM after stale gap = %v, want 0", d.DistanceM)
	}
}

func TestTrackerCaloriesBaselineSubtraction(t *testing.T) {
	t.Parallel()

	tr := telemetry.NewTracker()
	now := time.Now()

	tr.Update(sample(0, 0, 0, 97656, 0), now)
	d := tr.Update(sample(0, 0, 1, 195312, 0), now.Add(1*time.Second))

	if diff := d.CaloriesKcal - 1.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("CaloriesKcal = %v, want ~1.0", d.CaloriesKcal)
	}
}
