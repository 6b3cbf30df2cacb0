package shift

import (
	"math"
	"testing"
)

type fnCurve struct {
	lo, hi float64
	fn     func(rpm float64) float64
}

func (c fnCurve) ValueAt(rpm float64) float64 {
	return c.fn(math.Max(c.lo, math.Min(c.hi, rpm)))
}
func (c fnCurve) SampledRange() (float64, float64, bool) { return c.lo, c.hi, true }
func (c fnCurve) FilledBins() int                        { return 40 }
func (c fnCurve) Coverage() float64                      { return 1 }

type thinCurve struct{ fnCurve }

func (thinCurve) FilledBins() int { return 3 }

func TestUpshiftTargetRespectsDominanceThreshold(t *testing.T) {
	const x, redline = 6000.0, 8000.0
	// Gear 3 falls off with rpm; gear 4 is flat. Gear 4 wins above x.
	g3 := fnCurve{lo: 2050, hi: 7950, fn: func(r float64) float64 { return 11 - r/1000 }}
	g4 := fnCurve{lo: 2050, hi: 7950, fn: func(float64) float64 { return 5 }}
	in := Input{
		Ratios:  []float64{3.2, 2.3, 1.7, 1.3},
		Redline: redline,
		Curves:  map[int]Curve{3: g3, 4: g4},
	}
	got := Compute(in, DefaultConfig())
	up, ok := got.Up[3]
	if !ok {
		t.Fatalf("expected upshift target for gear 3, got %+v", got)
	}
	if up < x || up > redline {
		t.Fatalf("expected upshift target in [%v, %v], got %v", x, redline, up)
	}
	if up > x+DefaultConfig().ScanStepRPM {
		t.Fatalf("expected crossover close to %v, got %v", x, up)
	}
	if _, ok := got.Up[2]; ok {
		t.Fatalf("expected no target for gear 2 without curves")
	}
}

func TestUpshiftFallsBackToRedlineOrTopOfRange(t *testing.T) {
	strong := fnCurve{lo: 2050, hi: 7450, fn: func(float64) float64 { return 10 }}
	weak := fnCurve{lo: 2050, hi: 7450, fn: func(float64) float64 { return 1 }}
	in := Input{Ratios: []float64{2, 1.5}, Redline: 9000, Curves: map[int]Curve{1: strong, 2: weak}}
	if up := Compute(in, DefaultConfig()).Up[1]; up != 7450 {
		t.Fatalf("expected fallback to top of sampled range 7450, got %v", up)
	}
	in.Redline = 7000
	if up := Compute(in, DefaultConfig()).Up[1]; up != 7000 {
		t.Fatalf("expected fallback to redline 7000, got %v", up)
	}
}

func TestIneligibleCurvesProduceNoTargets(t *testing.T) {
	c := fnCurve{lo: 2050, hi: 7450, fn: func(float64) float64 { return 1 }}
	in := Input{Ratios: []float64{2, 1.5}, Redline: 8000, Curves: map[int]Curve{1: c, 2: thinCurve{c}}}
	got := Compute(in, DefaultConfig())
	if len(got.Up) != 0 || len(got.Down) != 0 {
		t.Fatalf("expected no targets with thin data, got %+v", got)
	}
}

func TestDownshiftTargetAndCeiling(t *testing.T) {
	// Both gears share the same engine-side shape; the lower gear wins at
	// low rpm because its rpm is higher at equal road speed.
	shape := func(r float64) float64 {
		// rises to a peak at 5000 then falls
		return 10 - math.Abs(r-5000)/500
	}
	g2 := fnCurve{lo: 1050, hi: 7950, fn: shape}
	g3 := fnCurve{lo: 1050, hi: 7950, fn: shape}
	in := Input{Ratios: []float64{3, 2, 1.5}, Redline: 8000, Curves: map[int]Curve{2: g2, 3: g3}}
	got := Compute(in, DefaultConfig())
	down, ok := got.Down[3]
	if !ok {
		t.Fatalf("expected downshift target for gear 3")
	}
	ratio := 2.0 / 1.5
	if down*ratio > 8000+1e-9 {
		t.Fatalf("downshift target %v would over-rev gear 2 (%v)", down, down*ratio)
	}
	if g3.ValueAt(down) < g2.ValueAt(down*ratio) {
		t.Fatalf("expected gear 3 to match gear 2 at its downshift target %v", down)
	}
	below := down - DefaultConfig().ScanStepRPM
	if below >= DefaultConfig().DownshiftFloorRPM && g3.ValueAt(below) >= g2.ValueAt(below*ratio) {
		t.Fatalf("expected gear 2 to win just below the target %v", down)
	}
}

func TestShiftNowHysteresis(t *testing.T) {
	a := NewAdvisor(DefaultConfig())
	a.Use(Targets{Up: map[int]float64{3: 6500}, Down: map[int]float64{}})

	steps := []struct {
		rpm  float64
		want bool
	}{
		{6400, false},
		{6600, false}, // inside band, not yet latched
		{6620, true},  // target+120
		{6450, true},  // oscillating inside band
		{6600, true},
		{6381, true},
		{6379, false}, // below target-120
		{6550, false},
		{6700, true},
	}
	for i, st := range steps {
		if got := a.ShiftNow(3, st.rpm); got != st.want {
			t.Fatalf("step %d rpm=%v: expected %t, got %t", i, st.rpm, st.want, got)
		}
	}
	if a.ShiftNow(5, 9000) {
		t.Fatalf("expected no shift signal for a gear without target")
	}
}

func TestRecomputeKeepsPreviousTargetsForThinPairs(t *testing.T) {
	a := NewAdvisor(DefaultConfig())
	a.Use(Targets{Up: map[int]float64{1: 5000}, Down: map[int]float64{2: 2500}})
	c := fnCurve{lo: 2050, hi: 7450, fn: func(float64) float64 { return 1 }}
	got := a.Recompute(Input{Ratios: []float64{2, 1.5}, Redline: 8000, Curves: map[int]Curve{1: c}})
	if got.Up[1] != 5000 || got.Down[2] != 2500 {
		t.Fatalf("expected previous targets to survive, got %+v", got)
	}
	if up, ok := a.TargetUp(1); !ok || up != 5000 {
		t.Fatalf("TargetUp mismatch: %v %t", up, ok)
	}
	if down, ok := a.TargetDown(2); !ok || down != 2500 {
		t.Fatalf("TargetDown mismatch: %v %t", down, ok)
	}
}

func TestProgress(t *testing.T) {
	if Progress(3000, 0) != 0 {
		t.Fatalf("expected zero progress without target")
	}
	if got := Progress(3000, 6000); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := Progress(9000, 6000); got != 1.2 {
		t.Fatalf("expected clamp at 1.2, got %v", got)
	}
}

func TestConfigScanFractionClamped(t *testing.T) {
	a := NewAdvisor(Config{ScanFraction: 0.9})
	if a.Config().ScanFraction != 0.6 {
		t.Fatalf("expected scan fraction clamped to 0.6, got %v", a.Config().ScanFraction)
	}
}
