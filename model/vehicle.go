// Package model holds the per-vehicle learned state (gear curves, coast-down
// fit, shift targets) and its persisted document form.
package model

import (
	"math"
	"sort"
	"time"

	"shiftecu/buffer"
	"shiftecu/coastdown"
	"shiftecu/gearcurve"
	"shiftecu/shift"
)

// Config holds vehicle defaults plus the learner tuning every new vehicle
// starts with.
type Config struct {
	DefaultRedlineRPM  float64          `yaml:"default_redline_rpm"`
	DefaultIdleRPM     float64          `yaml:"default_idle_rpm"`
	MinIdleRPM         float64          `yaml:"min_idle_rpm"`
	MaxIdleRPM         float64          `yaml:"max_idle_rpm"`
	RedlineHintMin     float64          `yaml:"redline_hint_min"` // hints at or below are ignored
	DefaultWheelRadius float64          `yaml:"default_wheel_radius"`
	RecentCapacity     int              `yaml:"recent_capacity"` // accepted samples kept per gear for plots
	Curve              gearcurve.Config `yaml:"curve"`
	Coast              coastdown.Config `yaml:"coast"`
}

// DefaultConfig returns stock vehicle defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRedlineRPM:  7500,
		DefaultIdleRPM:     800,
		MinIdleRPM:         600,
		MaxIdleRPM:         1400,
		RedlineHintMin:     2000,
		DefaultWheelRadius: 0.31,
		RecentCapacity:     500,
		Curve:              gearcurve.DefaultConfig(),
		Coast:              coastdown.DefaultConfig(),
	}
}

// Normalize repairs invalid values in place.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if !(c.DefaultRedlineRPM > 0) {
		c.DefaultRedlineRPM = def.DefaultRedlineRPM
	}
	if !(c.MinIdleRPM > 0) {
		c.MinIdleRPM = def.MinIdleRPM
	}
	if !(c.MaxIdleRPM >= c.MinIdleRPM) {
		c.MaxIdleRPM = math.Max(def.MaxIdleRPM, c.MinIdleRPM)
	}
	if !(c.DefaultIdleRPM > 0) {
		c.DefaultIdleRPM = def.DefaultIdleRPM
	}
	c.DefaultIdleRPM = clamp(c.DefaultIdleRPM, c.MinIdleRPM, c.MaxIdleRPM)
	if !(c.RedlineHintMin >= 0) {
		c.RedlineHintMin = def.RedlineHintMin
	}
	if !(c.DefaultWheelRadius > 0) || math.IsInf(c.DefaultWheelRadius, 0) {
		c.DefaultWheelRadius = def.DefaultWheelRadius
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = def.RecentCapacity
	}
}

// RecentSample is one accepted gear sample kept for plotting.
type RecentSample struct {
	RPM   float64
	Proxy float64
	At    time.Time
}

// Vehicle is the learned model of one vehicle identity.
type Vehicle struct {
	ID          int
	GearRatios  []float64
	RedlineRPM  float64
	IdleRPM     float64
	WheelRadius float64
	Coast       *coastdown.Fitter
	Targets     shift.Targets
	// UpdatedAt is the time of the last learning change; zero when untouched.
	UpdatedAt time.Time

	cfg    Config
	curves map[int]*gearcurve.Curve
	recent map[int]*buffer.Ring[RecentSample]
}

// New returns a vehicle with defaults and no learned data.
func New(id int, cfg Config) *Vehicle {
	cfg.Normalize()
	return &Vehicle{
		ID:          id,
		RedlineRPM:  cfg.DefaultRedlineRPM,
		IdleRPM:     cfg.DefaultIdleRPM,
		WheelRadius: cfg.DefaultWheelRadius,
		Coast:       coastdown.New(cfg.Coast),
		Targets:     shift.NewTargets(),
		cfg:         cfg,
		curves:      make(map[int]*gearcurve.Curve),
		recent:      make(map[int]*buffer.Ring[RecentSample]),
	}
}

// Curve returns the curve for gear, creating it on first use.
func (v *Vehicle) Curve(gear int) *gearcurve.Curve {
	c, ok := v.curves[gear]
	if !ok {
		c = gearcurve.New(v.cfg.Curve)
		v.curves[gear] = c
	}
	return c
}

// LookupCurve returns the curve for gear without creating one.
func (v *Vehicle) LookupCurve(gear int) (*gearcurve.Curve, bool) {
	c, ok := v.curves[gear]
	return c, ok
}

// Gears returns every gear with a curve, ascending.
func (v *Vehicle) Gears() []int {
	out := make([]int, 0, len(v.curves))
	for g := range v.curves {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// PushRecent records an accepted sample for plotting.
func (v *Vehicle) PushRecent(gear int, s RecentSample) {
	rb, ok := v.recent[gear]
	if !ok {
		rb = buffer.NewRing[RecentSample](v.cfg.RecentCapacity)
		v.recent[gear] = rb
	}
	rb.Add(s)
}

// Recent returns the retained accepted samples for gear, newest first.
func (v *Vehicle) Recent(gear int) []RecentSample {
	rb, ok := v.recent[gear]
	if !ok {
		return nil
	}
	return rb.Recent(rb.Capacity())
}

// ApplyHints refreshes the ratio table, redline and idle from a frame. The
// ratio table is replaced when it is empty or its length differs. It returns
// true when anything persisted changed.
func (v *Vehicle) ApplyHints(ratios []float64, redline float64) bool {
	changed := false
	if len(ratios) > 0 && len(ratios) != len(v.GearRatios) {
		v.GearRatios = append([]float64(nil), ratios...)
		changed = true
	}
	if redline > v.cfg.RedlineHintMin && !math.IsInf(redline, 0) && redline != v.RedlineRPM {
		v.RedlineRPM = redline
		changed = true
	}
	if idle := clamp(v.IdleRPM, v.cfg.MinIdleRPM, v.cfg.MaxIdleRPM); idle != v.IdleRPM {
		v.IdleRPM = idle
		changed = true
	}
	return changed
}

// ResolveWheelRadius returns r when usable, otherwise the last good radius.
// A usable r is remembered.
func (v *Vehicle) ResolveWheelRadius(r float64) float64 {
	if r > 0 && !math.IsInf(r, 0) {
		v.WheelRadius = r
		return r
	}
	if v.WheelRadius > 0 {
		return v.WheelRadius
	}
	return v.cfg.DefaultWheelRadius
}

// ShiftInput exposes the curves and ratios to the shift advisor.
func (v *Vehicle) ShiftInput() shift.Input {
	curves := make(map[int]shift.Curve, len(v.curves))
	for g, c := range v.curves {
		curves[g] = c
	}
	return shift.Input{
		Ratios:  append([]float64(nil), v.GearRatios...),
		Redline: v.RedlineRPM,
		Curves:  curves,
	}
}

// Touch marks the model as changed at now.
func (v *Vehicle) Touch(now time.Time) {
	v.UpdatedAt = now
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
