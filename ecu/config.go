package ecu

import (
	"math"
	"time"

	"shiftecu/model"
	"shiftecu/shift"
)

// Config holds admission gates, filter constants and persistence cadence.
type Config struct {
	MinRPM             float64 `yaml:"min_rpm"`      // idle/stall noise floor
	MaxRPM             float64 `yaml:"max_rpm"`      // glitch ceiling; raised to 1.15 × redline when that is higher
	MinThrottle        float64 `yaml:"min_throttle"` // normalized
	MaxBrake           float64 `yaml:"max_brake"`
	MaxClutch          float64 `yaml:"max_clutch"` // 0 = fully engaged
	MinSpeed           float64 `yaml:"min_speed"`  // m/s
	CoastMaxThrottle   float64 `yaml:"coast_max_throttle"`
	CoastMaxBrake      float64 `yaml:"coast_max_brake"`
	CoastMinSpeed      float64 `yaml:"coast_min_speed"`
	CoastSettleSeconds float64 `yaml:"coast_settle_seconds"` // continuous coasting before the fit sees a frame
	AccelTauSeconds    float64 `yaml:"accel_tau_seconds"`    // low-pass time constant
	MaxDTSeconds       float64 `yaml:"max_dt_seconds"`       // larger deltas re-baseline the filter
	MaxProxy           float64 `yaml:"max_proxy"`
	RecomputeEvery     int     `yaml:"recompute_every"` // recompute when a bin count hits a multiple of this
	AutosaveSeconds    int     `yaml:"autosave_seconds"`

	Vehicle model.Config `yaml:"vehicle"`
	Shift   shift.Config `yaml:"shift"`
}

// DefaultConfig returns the stock learning configuration.
func DefaultConfig() Config {
	return Config{
		MinRPM:             1200,
		MaxRPM:             12000,
		MinThrottle:        0.85,
		MaxBrake:           0.02,
		MaxClutch:          0.05,
		MinSpeed:           1.0,
		CoastMaxThrottle:   0.05,
		CoastMaxBrake:      0.05,
		CoastMinSpeed:      5.0,
		CoastSettleSeconds: 2.0, // 10τ at the default filter constant
		AccelTauSeconds:    0.2,
		MaxDTSeconds:       0.5,
		MaxProxy:           50,
		RecomputeEvery:     8,
		AutosaveSeconds:    10,
		Vehicle:            model.DefaultConfig(),
		Shift:              shift.DefaultConfig(),
	}
}

// Normalize repairs invalid values in place.
func (c *Config) Normalize() {
	def := DefaultConfig()
	fix := func(v *float64, d float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			*v = d
		}
	}
	fix(&c.MinRPM, def.MinRPM)
	fix(&c.MinThrottle, def.MinThrottle)
	fix(&c.MaxBrake, def.MaxBrake)
	fix(&c.MaxClutch, def.MaxClutch)
	fix(&c.MinSpeed, def.MinSpeed)
	fix(&c.CoastMaxThrottle, def.CoastMaxThrottle)
	fix(&c.CoastMaxBrake, def.CoastMaxBrake)
	fix(&c.CoastMinSpeed, def.CoastMinSpeed)
	fix(&c.CoastSettleSeconds, def.CoastSettleSeconds)
	if !(c.MaxRPM > c.MinRPM) || math.IsInf(c.MaxRPM, 0) {
		c.MaxRPM = math.Max(def.MaxRPM, c.MinRPM+1)
	}
	if !(c.AccelTauSeconds > 0) || math.IsInf(c.AccelTauSeconds, 0) {
		c.AccelTauSeconds = def.AccelTauSeconds
	}
	if !(c.MaxDTSeconds > 0) || math.IsInf(c.MaxDTSeconds, 0) {
		c.MaxDTSeconds = def.MaxDTSeconds
	}
	if c.CoastSettleSeconds < 3*c.AccelTauSeconds {
		c.CoastSettleSeconds = 3 * c.AccelTauSeconds
	}
	if !(c.MaxProxy > 0) || math.IsInf(c.MaxProxy, 0) {
		c.MaxProxy = def.MaxProxy
	}
	if c.RecomputeEvery <= 0 {
		c.RecomputeEvery = def.RecomputeEvery
	}
	if c.AutosaveSeconds <= 0 {
		c.AutosaveSeconds = def.AutosaveSeconds
	}
	if c.AutosaveSeconds < 7 {
		c.AutosaveSeconds = 7
	}
	if c.AutosaveSeconds > 15 {
		c.AutosaveSeconds = 15
	}
	c.Vehicle.Normalize()
}

// rpmCeiling is the highest engine speed admitted for a vehicle.
func (c Config) rpmCeiling(redline float64) float64 {
	return math.Max(c.MaxRPM, redline*1.15)
}

func (c Config) autosaveInterval() time.Duration {
	return time.Duration(c.AutosaveSeconds) * time.Second
}
