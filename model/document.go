package model

import (
	"math"
	"time"

	"shiftecu/coastdown"
	"shiftecu/gearcurve"
	"shiftecu/shift"
)

// SchemaVersion is written into every document. Readers accept any version:
// unknown fields are ignored and missing fields fall back to defaults.
const SchemaVersion = 1

// Document is the persisted snapshot of a Vehicle. It shares no memory with
// the live model, so it can be handed to a background writer.
type Document struct {
	SchemaVersion int              `json:"schema_version"`
	VehicleID     int              `json:"vehicle_id"`
	GearRatios    []float64        `json:"gear_ratios"`
	RedlineRPM    float64          `json:"redline_rpm"`
	IdleRPM       float64          `json:"idle_rpm"`
	WheelRadius   float64          `json:"wheel_radius"`
	Gears         []GearDocument   `json:"gears"`
	Coast         *coastdown.State `json:"coast,omitempty"`
	ShiftUpRPM    map[int]float64  `json:"shift_up_rpm"`
	ShiftDownRPM  map[int]float64  `json:"shift_down_rpm"`
	UpdatedAt     time.Time        `json:"updated_at"`
	SavedAt       time.Time        `json:"saved_at"`
}

// GearDocument carries one gear's buckets.
type GearDocument struct {
	Gear     int             `json:"gear"`
	BinSize  float64         `json:"bin_size"`
	Bins     []gearcurve.Bin `json:"bins"`
	Rejected int             `json:"rejected,omitempty"`
}

// Snapshot deep-copies the persisted part of v.
func (v *Vehicle) Snapshot(now time.Time) Document {
	coast := v.Coast.State()
	targets := v.Targets.Clone()
	doc := Document{
		SchemaVersion: SchemaVersion,
		VehicleID:     v.ID,
		GearRatios:    append([]float64(nil), v.GearRatios...),
		RedlineRPM:    v.RedlineRPM,
		IdleRPM:       v.IdleRPM,
		WheelRadius:   v.WheelRadius,
		Coast:         &coast,
		ShiftUpRPM:    targets.Up,
		ShiftDownRPM:  targets.Down,
		UpdatedAt:     v.UpdatedAt,
		SavedAt:       now,
	}
	for _, g := range v.Gears() {
		c := v.curves[g]
		doc.Gears = append(doc.Gears, GearDocument{
			Gear:     g,
			BinSize:  c.BinSize(),
			Bins:     c.Bins(),
			Rejected: c.Rejected(),
		})
	}
	return doc
}

// FromDocument rebuilds a Vehicle, substituting defaults for anything missing
// or invalid in doc.
func FromDocument(doc Document, cfg Config) *Vehicle {
	v := New(doc.VehicleID, cfg)
	for _, r := range doc.GearRatios {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			doc.GearRatios = nil
			break
		}
	}
	v.GearRatios = append([]float64(nil), doc.GearRatios...)
	if doc.RedlineRPM > v.cfg.RedlineHintMin && !math.IsInf(doc.RedlineRPM, 0) {
		v.RedlineRPM = doc.RedlineRPM
	}
	if doc.IdleRPM > 0 {
		v.IdleRPM = clamp(doc.IdleRPM, v.cfg.MinIdleRPM, v.cfg.MaxIdleRPM)
	}
	if doc.WheelRadius > 0 && !math.IsInf(doc.WheelRadius, 0) {
		v.WheelRadius = doc.WheelRadius
	}
	for _, gd := range doc.Gears {
		if gd.Gear < 1 {
			continue
		}
		curveCfg := v.cfg.Curve
		if gd.BinSize > 0 {
			curveCfg.BinSize = gd.BinSize
		}
		v.curves[gd.Gear] = gearcurve.Restore(curveCfg, gd.Bins, gd.Rejected)
	}
	if doc.Coast != nil {
		v.Coast = coastdown.Restore(v.cfg.Coast, *doc.Coast)
	}
	v.Targets = shift.NewTargets()
	for g, rpm := range doc.ShiftUpRPM {
		if g >= 1 && rpm > 0 && !math.IsInf(rpm, 0) {
			v.Targets.Up[g] = rpm
		}
	}
	for g, rpm := range doc.ShiftDownRPM {
		if g >= 1 && rpm > 0 && !math.IsInf(rpm, 0) {
			v.Targets.Down[g] = rpm
		}
	}
	v.UpdatedAt = doc.UpdatedAt
	return v
}
