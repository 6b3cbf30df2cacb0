// Package telemetry defines the single validated record the learning core
// consumes. Transports decode their own wire formats into Sample before
// handing frames to the ECU.
package telemetry

import (
	"math"
	"time"
)

// MinGearRatio is the epsilon floor below which a gear ratio is unusable.
const MinGearRatio = 1e-6

// Sample is one normalized telemetry frame.
type Sample struct {
	VehicleID   int       `json:"vehicle_id"`
	EngineRPM   float64   `json:"engine_rpm"`
	Gear        int       `json:"gear"`  // 1-indexed; <= 0 is neutral, reverse or unknown
	Speed       float64   `json:"speed"` // reported road speed, m/s
	Throttle    float64   `json:"throttle"`
	Brake       float64   `json:"brake"`
	Clutch      float64   `json:"clutch"`       // 0 = engaged
	WheelRadius float64   `json:"wheel_radius"` // metres, 0 when unknown
	GearRatios  []float64 `json:"gear_ratios"`
	RedlineRPM  float64   `json:"redline_rpm"` // hint, 0 when unknown
	DTSeconds   float64   `json:"dt"`          // time since the previous frame
}

// Elapsed returns the frame delta as a duration. Non-finite or negative
// values map to zero.
func (s Sample) Elapsed() time.Duration {
	if !finite(s.DTSeconds) || s.DTSeconds <= 0 {
		return 0
	}
	return time.Duration(s.DTSeconds * float64(time.Second))
}

// Valid reports whether every numeric field the core reads is finite.
func (s Sample) Valid() bool {
	for _, v := range [...]float64{s.EngineRPM, s.Speed, s.Throttle, s.Brake, s.Clutch, s.WheelRadius, s.RedlineRPM, s.DTSeconds} {
		if !finite(v) {
			return false
		}
	}
	for _, r := range s.GearRatios {
		if !finite(r) {
			return false
		}
	}
	return true
}

// RatioFor returns the ratio for a 1-indexed gear from the supplied table.
func RatioFor(ratios []float64, gear int) (float64, bool) {
	idx := gear - 1
	if gear < 1 || idx >= len(ratios) {
		return 0, false
	}
	return ratios[idx], true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
