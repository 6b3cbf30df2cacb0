package ecu

import (
	"math"
	"time"

	"shiftecu/gearcurve"
	"shiftecu/model"
	"shiftecu/shift"
	"shiftecu/telemetry"
)

// CoastInfo is the read-only view of the coast-down fit.
type CoastInfo struct {
	C0      float64
	C1      float64
	C2      float64
	Samples int
	Frozen  bool
}

// Diagnostics explains what the learner is doing. Every field is a copy.
type Diagnostics struct {
	VehicleID   int
	Gear        int
	RPM         float64
	RedlineRPM  float64
	Coverage    float64         // coverage of Gear's curve
	CoverageBy  map[int]float64 // per learned gear
	ThrottleRaw float64
	Throttle    float64 // normalized
	Speed       float64
	Accel       float64 // low-pass filtered
	Progress    float64 // rpm against the upshift target, 0..1.2
	Coast       CoastInfo
	Counters    map[string]uint64
	Summary     string
}

// PlotSample is one retained accepted sample.
type PlotSample struct {
	RPM   float64
	Proxy float64
	Age   time.Duration
}

// Plot is the debug overlay data for one gear.
type Plot struct {
	Samples  []PlotSample
	Curve    []gearcurve.Point
	MinRPM   float64
	MaxRPM   float64
	MaxValue float64
}

// GetShiftTargets returns the up and down targets for the sample's gear.
// Zero means no target. Unknown vehicles are not loaded.
func (e *ECU) GetShiftTargets(s telemetry.Sample) (up, down float64, d Diagnostics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.vehicles[s.VehicleID]
	if v != nil {
		up = positive(v.Targets.Up[s.Gear])
		down = positive(v.Targets.Down[s.Gear])
	}
	d = e.diagnostics(v, s.Gear, s.EngineRPM)
	d.VehicleID = s.VehicleID
	d.Progress = shift.Progress(s.EngineRPM, up)
	return up, down, d
}

// ShiftNow reports whether an upshift should be signalled for the sample.
// Only the active vehicle carries hysteresis state; any other known vehicle
// is compared against target+hysteresis without latching.
//
// Unlike the other queries this is not read-only: for the active vehicle it
// advances the per-gear hysteresis latch. Call it once per frame from a
// single place; a second call on the same frame sees the latch the first one
// set.
func (e *ECU) ShiftNow(s telemetry.Sample) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.ID == s.VehicleID {
		return e.advisor.ShiftNow(s.Gear, s.EngineRPM)
	}
	v := e.vehicles[s.VehicleID]
	if v == nil {
		return false
	}
	target, ok := v.Targets.Up[s.Gear]
	return ok && s.EngineRPM >= target+e.advisor.Config().HysteresisRPM
}

// Diagnostics describes the active vehicle.
func (e *ECU) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.diagnostics(e.active, 0, 0)
	if e.active != nil {
		d.VehicleID = e.active.ID
	}
	return d
}

func (e *ECU) diagnostics(v *model.Vehicle, gear int, rpm float64) Diagnostics {
	d := Diagnostics{
		Gear:        gear,
		RPM:         rpm,
		CoverageBy:  make(map[int]float64),
		ThrottleRaw: e.lastThrottleRaw,
		Throttle:    e.lastThrottle,
		Speed:       e.lastSpeed,
		Accel:       e.accelLP,
		Counters:    e.counters.Snapshot(),
		Summary:     e.counters.Summary(),
	}
	if v == nil {
		d.RedlineRPM = e.cfg.Vehicle.DefaultRedlineRPM
		return d
	}
	d.RedlineRPM = v.RedlineRPM
	for _, g := range v.Gears() {
		c, _ := v.LookupCurve(g)
		d.CoverageBy[g] = c.Coverage()
	}
	d.Coverage = d.CoverageBy[gear]
	c0, c1, c2 := v.Coast.Coefficients()
	d.Coast = CoastInfo{C0: c0, C1: c1, C2: c2, Samples: v.Coast.Samples(), Frozen: v.Coast.Frozen()}
	return d
}

// PlotData returns recent accepted samples, the smoothed curve and axis
// bounds for one gear. Unknown vehicles or gears yield an empty plot with
// default bounds.
func (e *ECU) PlotData(vehicleID, gear int) Plot {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	p := Plot{
		MinRPM: e.cfg.Vehicle.DefaultIdleRPM,
		MaxRPM: e.cfg.Vehicle.DefaultRedlineRPM,
	}
	v := e.vehicles[vehicleID]
	if v != nil {
		p.MinRPM = v.IdleRPM
		p.MaxRPM = v.RedlineRPM
		for _, rs := range v.Recent(gear) {
			age := now.Sub(rs.At)
			if age < 0 {
				age = 0
			}
			p.Samples = append(p.Samples, PlotSample{RPM: rs.RPM, Proxy: rs.Proxy, Age: age})
			p.MaxValue = math.Max(p.MaxValue, rs.Proxy)
			p.MaxRPM = math.Max(p.MaxRPM, rs.RPM)
		}
		if c, ok := v.LookupCurve(gear); ok {
			p.Curve = c.Points()
			for _, pt := range p.Curve {
				p.MaxValue = math.Max(p.MaxValue, pt.Value)
				p.MaxRPM = math.Max(p.MaxRPM, pt.RPM)
			}
		}
	}
	if p.MaxValue <= 1e-6 {
		p.MaxValue = 1
	}
	return p
}

func positive(v float64) float64 {
	if v > 0 && !math.IsInf(v, 0) {
		return v
	}
	return 0
}
