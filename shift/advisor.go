// Package shift derives up/down shift engine-speed targets by comparing the
// learned tractive-effort curves of adjacent gears at equal road speed, and
// turns a target into a chatter-free "shift now" decision.
package shift

import (
	"math"
	"sort"
)

// Curve is the read side of a learned gear curve.
type Curve interface {
	ValueAt(rpm float64) float64
	SampledRange() (lo, hi float64, ok bool)
	FilledBins() int
	Coverage() float64
}

// Config holds crossover search and hysteresis tuning.
type Config struct {
	HysteresisRPM     float64 `yaml:"hysteresis_rpm"`
	ScanFraction      float64 `yaml:"scan_fraction"` // upper share of the sampled range searched, 0.4..0.6
	ScanStepRPM       float64 `yaml:"scan_step_rpm"`
	MinFilledBins     int     `yaml:"min_filled_bins"`
	MinCoverage       float64 `yaml:"min_coverage"`
	DownshiftFloorRPM float64 `yaml:"downshift_floor_rpm"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HysteresisRPM:     120,
		ScanFraction:      0.5,
		ScanStepRPM:       25,
		MinFilledBins:     8,
		MinCoverage:       0.5,
		DownshiftFloorRPM: 1400,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if math.IsNaN(c.HysteresisRPM) || c.HysteresisRPM < 0 {
		c.HysteresisRPM = def.HysteresisRPM
	}
	if math.IsNaN(c.ScanFraction) || c.ScanFraction <= 0 {
		c.ScanFraction = def.ScanFraction
	}
	c.ScanFraction = math.Min(0.6, math.Max(0.4, c.ScanFraction))
	if math.IsNaN(c.ScanStepRPM) || c.ScanStepRPM <= 0 {
		c.ScanStepRPM = def.ScanStepRPM
	}
	if c.MinFilledBins <= 0 {
		c.MinFilledBins = def.MinFilledBins
	}
	if math.IsNaN(c.MinCoverage) || c.MinCoverage < 0 || c.MinCoverage > 1 {
		c.MinCoverage = def.MinCoverage
	}
	if math.IsNaN(c.DownshiftFloorRPM) || c.DownshiftFloorRPM < 0 {
		c.DownshiftFloorRPM = def.DownshiftFloorRPM
	}
}

// Targets maps a 1-indexed gear to an engine-speed target.
type Targets struct {
	Up   map[int]float64
	Down map[int]float64
}

// NewTargets returns empty target maps.
func NewTargets() Targets {
	return Targets{Up: make(map[int]float64), Down: make(map[int]float64)}
}

// Clone deep-copies t.
func (t Targets) Clone() Targets {
	out := NewTargets()
	for g, v := range t.Up {
		out.Up[g] = v
	}
	for g, v := range t.Down {
		out.Down[g] = v
	}
	return out
}

// Gears returns every gear with an up or down target, ascending.
func (t Targets) Gears() []int {
	seen := make(map[int]struct{}, len(t.Up)+len(t.Down))
	for g := range t.Up {
		seen[g] = struct{}{}
	}
	for g := range t.Down {
		seen[g] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// Input is everything Compute needs about one vehicle.
type Input struct {
	Ratios  []float64     // index 0 is gear 1
	Redline float64
	Curves  map[int]Curve // keyed by 1-indexed gear
}

// Compute returns targets for every adjacent gear pair whose curves carry
// enough data. Pairs without enough data are absent from the result.
func Compute(in Input, cfg Config) Targets {
	cfg.normalize()
	out := NewTargets()
	for g := 1; g < len(in.Ratios); g++ {
		cur, next := in.Curves[g], in.Curves[g+1]
		if !eligible(cur, cfg) || !eligible(next, cfg) {
			continue
		}
		gg, gn := in.Ratios[g-1], in.Ratios[g]
		if !(gg > 0) || !(gn > 0) {
			continue
		}
		if rpm, ok := upshift(cur, next, gn/gg, in.Redline, cfg); ok {
			out.Up[g] = rpm
		}
		if rpm, ok := downshift(next, cur, gg/gn, in.Redline, cfg); ok {
			out.Down[g+1] = rpm
		}
	}
	return out
}

// upshift scans the upper part of cur's sampled range for the lowest engine
// speed where next, at the same road speed, matches or beats cur.
func upshift(cur, next Curve, ratio, redline float64, cfg Config) (float64, bool) {
	lo, hi, ok := cur.SampledRange()
	if !ok {
		return 0, false
	}
	limit := hi
	if redline > 0 && redline < limit {
		limit = redline
	}
	start := hi - cfg.ScanFraction*(hi-lo)
	for r := start; r <= limit; r += cfg.ScanStepRPM {
		if next.ValueAt(r*ratio) >= cur.ValueAt(r) {
			return r, true
		}
	}
	return limit, true
}

// downshift scans cur's sampled range upward for the lowest engine speed at
// which cur matches or beats the lower gear at the same road speed. Below the
// result the lower gear pulls harder. The result is capped so the lower gear
// stays under redline after the shift.
func downshift(cur, lower Curve, ratio, redline float64, cfg Config) (float64, bool) {
	lo, hi, ok := cur.SampledRange()
	if !ok {
		return 0, false
	}
	start := math.Max(lo, cfg.DownshiftFloorRPM)
	target := start
	for r := start; r <= hi; r += cfg.ScanStepRPM {
		if cur.ValueAt(r) >= lower.ValueAt(r*ratio) {
			target = r
			break
		}
	}
	if redline > 0 && ratio > 0 {
		if ceiling := redline / ratio; target > ceiling {
			target = ceiling
		}
	}
	return target, true
}

func eligible(c Curve, cfg Config) bool {
	if c == nil {
		return false
	}
	return c.FilledBins() >= cfg.MinFilledBins && c.Coverage() >= cfg.MinCoverage
}

// Advisor holds the active vehicle's targets and the per-gear hysteresis
// latches.
type Advisor struct {
	cfg     Config
	targets Targets
	latched map[int]bool
}

// NewAdvisor returns an advisor with no targets.
func NewAdvisor(cfg Config) *Advisor {
	cfg.normalize()
	return &Advisor{cfg: cfg, targets: NewTargets(), latched: make(map[int]bool)}
}

// Config returns the normalized configuration in use.
func (a *Advisor) Config() Config { return a.cfg }

// Use adopts previously computed targets (e.g. after a vehicle switch) and
// clears every latch.
func (a *Advisor) Use(t Targets) {
	a.targets = t.Clone()
	a.latched = make(map[int]bool)
}

// Recompute derives fresh targets and merges them over the current ones so a
// pair that temporarily lacks data keeps its last good target.
func (a *Advisor) Recompute(in Input) Targets {
	fresh := Compute(in, a.cfg)
	for g, v := range fresh.Up {
		a.targets.Up[g] = v
	}
	for g, v := range fresh.Down {
		a.targets.Down[g] = v
	}
	return a.targets.Clone()
}

// Targets returns a copy of the current targets.
func (a *Advisor) Targets() Targets { return a.targets.Clone() }

// TargetUp returns the upshift engine speed for gear.
func (a *Advisor) TargetUp(gear int) (float64, bool) {
	v, ok := a.targets.Up[gear]
	return v, ok
}

// TargetDown returns the downshift engine speed for gear.
func (a *Advisor) TargetDown(gear int) (float64, bool) {
	v, ok := a.targets.Down[gear]
	return v, ok
}

// ShiftNow reports whether an upshift should be signalled. The signal turns
// on at target+hysteresis and stays on until rpm drops below
// target-hysteresis.
func (a *Advisor) ShiftNow(gear int, rpm float64) bool {
	target, ok := a.targets.Up[gear]
	if !ok || math.IsNaN(rpm) {
		delete(a.latched, gear)
		return false
	}
	h := a.cfg.HysteresisRPM
	if a.latched[gear] {
		if rpm < target-h {
			delete(a.latched, gear)
			return false
		}
		return true
	}
	if rpm >= target+h {
		a.latched[gear] = true
		return true
	}
	return false
}

// Progress maps rpm against an upshift target for a shift bar, clamped to
// [0, 1.2]. A missing target yields 0.
func Progress(rpm, up float64) float64 {
	if !(up > 0) || math.IsNaN(rpm) {
		return 0
	}
	return math.Max(0, math.Min(1.2, rpm/up))
}
