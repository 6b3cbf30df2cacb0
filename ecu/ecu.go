// Package ecu is the learning core. It consumes one telemetry sample per
// frame, gates it, feeds the coast-down fitter or the per-gear curves,
// recomputes shift targets opportunistically and autosaves changed vehicle
// models.
//
// Purpose:
//   - Own the vehicle-id to model map for a single control loop.
//
// Key aspects:
//   - Update and every query are total: bad input is counted, never raised.
//   - Persistence is delegated to a Persister that only ever receives
//     deep-copied documents.
//
// Upstream: main replay loop or any transport that decodes frames.
// Downstream: modelstore (load/save), recorder (accepted samples).
package ecu

import (
	"encoding/binary"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"shiftecu/model"
	"shiftecu/recorder"
	"shiftecu/shift"
	"shiftecu/stats"
	"shiftecu/telemetry"

	"github.com/zeebo/xxh3"
)

// Persister loads and saves vehicle models. Load never fails; Save is
// best-effort. SavedAt reports the UpdatedAt of the newest persisted document.
type Persister interface {
	Load(id int) *model.Vehicle
	Save(doc model.Document)
	SavedAt(id int) time.Time
}

// SampleRecorder receives accepted gear samples.
type SampleRecorder interface {
	Record(e recorder.Entry)
}

// Options carries collaborators. A nil Persister keeps models in memory only.
type Options struct {
	Persister Persister
	Recorder  SampleRecorder
	Now       func() time.Time
}

// ECU owns every vehicle model seen by one control loop.
type ECU struct {
	mu sync.Mutex

	cfg      Config
	persist  Persister
	rec      SampleRecorder
	now      func() time.Time
	counters *stats.Counters

	vehicles map[int]*model.Vehicle
	active   *model.Vehicle
	advisor  *shift.Advisor

	throttle *telemetry.Normalizer
	brake    *telemetry.Normalizer
	clutch   *telemetry.Normalizer

	havePrev  bool
	prevSpeed float64
	accelLP   float64
	speedLP   float64 // speed through the same filter, paired with accelLP for the coast fit
	coastSecs float64 // continuous coasting since the last non-coast frame or re-seed

	haveHash bool
	lastHash uint64
	hashBuf  []byte

	lastThrottleRaw float64
	lastThrottle    float64
	lastSpeed       float64

	lastAutosave time.Time
	saves        int
}

// New builds an ECU.
func New(cfg Config, opts Options) *ECU {
	cfg.Normalize()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ECU{
		cfg:      cfg,
		persist:  opts.Persister,
		rec:      opts.Recorder,
		now:      now,
		counters: stats.NewCounters(),
		vehicles: make(map[int]*model.Vehicle),
		advisor:  shift.NewAdvisor(cfg.Shift),
		throttle: telemetry.NewNormalizer(),
		brake:    telemetry.NewNormalizer(),
		clutch:   telemetry.NewNormalizer(),
	}
}

// Config returns the normalized configuration.
func (e *ECU) Config() Config { return e.cfg }

// Counters exposes the admission counters.
func (e *ECU) Counters() *stats.Counters { return e.counters }

// Update ingests one frame. dt is the time since the previous frame; zero
// falls back to the sample's own delta.
func (e *ECU) Update(s telemetry.Sample, dt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.update(s, dt, now)
	e.maybeAutosave(now)
}

func (e *ECU) update(s telemetry.Sample, dt time.Duration, now time.Time) {
	if !s.Valid() {
		e.counters.Inc(stats.Malformed)
		return
	}
	if dt == 0 {
		dt = s.Elapsed()
	}
	if e.isRepeat(s, dt) {
		e.counters.Inc(stats.Repeat)
		return
	}

	v := e.resolve(s.VehicleID)
	if v.ApplyHints(s.GearRatios, s.RedlineRPM) {
		v.Touch(now)
	}
	radius := v.ResolveWheelRadius(s.WheelRadius)

	throttle := e.throttle.Normalize(s.Throttle)
	brake := e.brake.Normalize(s.Brake)
	clutch := e.clutch.Normalize(s.Clutch)
	e.lastThrottleRaw = s.Throttle
	e.lastThrottle = throttle
	e.lastSpeed = s.Speed

	secs := dt.Seconds()
	if secs <= 0 || secs > e.cfg.MaxDTSeconds {
		e.counters.Inc(stats.DT)
		if secs > e.cfg.MaxDTSeconds {
			// Too long since the last frame for a meaningful derivative.
			e.prevSpeed = s.Speed
			e.havePrev = true
			e.accelLP = 0
			e.speedLP = s.Speed
			e.coastSecs = 0
		}
		return
	}
	seeded := !e.havePrev
	accel := e.filterAccel(s.Speed, secs)

	if throttle < e.cfg.CoastMaxThrottle && brake < e.cfg.CoastMaxBrake && s.Speed > e.cfg.CoastMinSpeed {
		e.counters.Inc(stats.Coast)
		if seeded {
			e.coastSecs = 0
		} else {
			e.coastSecs += secs
		}
		// The filter still carries the pull (or the seed) for a few τ after
		// the lift; feeding that to the fit would freeze a wrong curve.
		if seeded || e.coastSecs < e.cfg.CoastSettleSeconds || !(accel < 0) {
			e.counters.Inc(stats.CoastSettle)
			return
		}
		if v.Coast.Update(e.speedLP, -accel) {
			v.Touch(now)
		}
		return
	}
	e.coastSecs = 0

	ratio, ok := telemetry.RatioFor(v.GearRatios, s.Gear)
	switch {
	case !ok:
		e.counters.Inc(stats.BadGear)
		return
	case !(ratio > telemetry.MinGearRatio):
		e.counters.Inc(stats.Ratio)
		return
	case s.EngineRPM < e.cfg.MinRPM:
		e.counters.Inc(stats.RPMGate)
		return
	case s.EngineRPM > e.cfg.rpmCeiling(v.RedlineRPM):
		e.counters.Inc(stats.RPMHigh)
		return
	case throttle < e.cfg.MinThrottle:
		e.counters.Inc(stats.Throttle)
		return
	case brake > e.cfg.MaxBrake:
		e.counters.Inc(stats.Brake)
		return
	case clutch > e.cfg.MaxClutch:
		e.counters.Inc(stats.Clutch)
		return
	case s.Speed < e.cfg.MinSpeed:
		e.counters.Inc(stats.Speed)
		return
	case !(accel > 0):
		e.counters.Inc(stats.Accel)
		return
	}

	proxy := accel * radius / math.Max(telemetry.MinGearRatio, ratio)
	proxy = math.Max(0, math.Min(proxy, e.cfg.MaxProxy))
	curve := v.Curve(s.Gear)
	if !curve.AddSample(s.EngineRPM, proxy) {
		e.counters.Inc(stats.Outlier)
		return
	}
	e.counters.Inc(stats.OK)
	v.PushRecent(s.Gear, model.RecentSample{RPM: s.EngineRPM, Proxy: proxy, At: now})
	v.Touch(now)
	if e.rec != nil {
		e.rec.Record(recorder.Entry{
			VehicleID: v.ID,
			Gear:      s.Gear,
			RPM:       s.EngineRPM,
			Proxy:     proxy,
			Speed:     s.Speed,
			Accel:     accel,
			Throttle:  throttle,
			At:        now,
		})
	}
	if curve.Count(s.EngineRPM)%e.cfg.RecomputeEvery == 0 {
		v.Targets = e.advisor.Recompute(v.ShiftInput())
	}
}

// resolve returns the model for id, loading or creating it on first sight.
// Switching vehicles resets the acceleration filter, pedal scaling and
// hysteresis latches.
func (e *ECU) resolve(id int) *model.Vehicle {
	if e.active != nil && e.active.ID == id {
		return e.active
	}
	v, ok := e.vehicles[id]
	if !ok {
		if e.persist != nil {
			v = e.persist.Load(id)
		}
		if v == nil {
			v = model.New(id, e.cfg.Vehicle)
		}
		e.vehicles[id] = v
		log.Printf("ECU: vehicle %d ready (%d gears learned, %d targets)", id, len(v.Gears()), len(v.Targets.Up))
	}
	e.active = v
	e.advisor.Use(v.Targets)
	e.havePrev = false
	e.accelLP = 0
	e.coastSecs = 0
	e.throttle.Reset()
	e.brake.Reset()
	e.clutch.Reset()
	return v
}

// filterAccel low-passes the speed derivative. The interval midpoint speed
// goes through the same filter so speedLP and accelLP carry the same lag.
func (e *ECU) filterAccel(speed, secs float64) float64 {
	alpha := secs / (e.cfg.AccelTauSeconds + secs)
	if !e.havePrev {
		e.speedLP = speed
		e.accelLP += alpha * (0 - e.accelLP)
	} else {
		raw := (speed - e.prevSpeed) / secs
		e.accelLP += alpha * (raw - e.accelLP)
		e.speedLP += alpha * ((speed+e.prevSpeed)/2 - e.speedLP)
	}
	e.prevSpeed = speed
	e.havePrev = true
	return e.accelLP
}

func (e *ECU) isRepeat(s telemetry.Sample, dt time.Duration) bool {
	b := e.hashBuf[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(s.VehicleID)))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(s.Gear)))
	b = binary.LittleEndian.AppendUint64(b, uint64(dt))
	for _, f := range [...]float64{s.EngineRPM, s.Speed, s.Throttle, s.Brake, s.Clutch, s.WheelRadius, s.RedlineRPM, s.DTSeconds} {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
	}
	for _, r := range s.GearRatios {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(r))
	}
	e.hashBuf = b
	h := xxh3.Hash(b)
	repeat := e.haveHash && h == e.lastHash
	e.lastHash = h
	e.haveHash = true
	return repeat
}

func (e *ECU) maybeAutosave(now time.Time) {
	if e.persist == nil {
		return
	}
	if e.lastAutosave.IsZero() {
		e.lastAutosave = now
		return
	}
	if now.Sub(e.lastAutosave) < e.cfg.autosaveInterval() {
		return
	}
	e.lastAutosave = now
	e.saveDirty(now)
}

// saveDirty hands a snapshot of every model changed since its last save to
// the persister.
func (e *ECU) saveDirty(now time.Time) int {
	if e.persist == nil {
		return 0
	}
	n := 0
	for _, id := range e.vehicleIDs() {
		v := e.vehicles[id]
		if v.UpdatedAt.IsZero() || !v.UpdatedAt.After(e.persist.SavedAt(id)) {
			continue
		}
		e.persist.Save(v.Snapshot(now))
		n++
	}
	e.saves += n
	return n
}

// Flush saves every changed model immediately.
func (e *ECU) Flush() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveDirty(e.now())
}

// Close flushes and closes the persister and recorder when they hold
// resources.
func (e *ECU) Close() error {
	e.Flush()
	var firstErr error
	if c, ok := e.persist.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c, ok := e.rec.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Vehicles returns the ids of every model in memory, ascending.
func (e *ECU) Vehicles() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vehicleIDs()
}

func (e *ECU) vehicleIDs() []int {
	ids := make([]int, 0, len(e.vehicles))
	for id := range e.vehicles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a persisted-form copy of a known vehicle.
func (e *ECU) Snapshot(id int) (model.Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vehicles[id]
	if !ok {
		return model.Document{}, false
	}
	return v.Snapshot(e.now()), true
}
