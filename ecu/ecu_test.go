package ecu

import (
	"math"
	"testing"
	"time"

	"shiftecu/model"
	"shiftecu/modelstore"
	"shiftecu/recorder"
	"shiftecu/stats"
	"shiftecu/telemetry"
)

var testRatios = []float64{3.2, 2.3, 1.7, 1.3}

const frame = time.Second / 60

func wot(vehicle, gear int, rpm, speed float64) telemetry.Sample {
	return telemetry.Sample{
		VehicleID:   vehicle,
		EngineRPM:   rpm,
		Gear:        gear,
		Speed:       speed,
		Throttle:    1,
		WheelRadius: 0.31,
		GearRatios:  testRatios,
		RedlineRPM:  8000,
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 4, 14, 0, 0, 0, time.UTC)}
}

type memPersister struct {
	preset map[int]*model.Vehicle
	docs   map[int]model.Document
	saved  map[int]time.Time
	saves  int
}

func newMemPersister() *memPersister {
	return &memPersister{
		preset: make(map[int]*model.Vehicle),
		docs:   make(map[int]model.Document),
		saved:  make(map[int]time.Time),
	}
}

func (p *memPersister) Load(id int) *model.Vehicle {
	if v, ok := p.preset[id]; ok {
		return v
	}
	if doc, ok := p.docs[id]; ok {
		p.saved[id] = doc.UpdatedAt
		return model.FromDocument(doc, model.DefaultConfig())
	}
	return model.New(id, model.DefaultConfig())
}

func (p *memPersister) Save(doc model.Document) {
	p.docs[doc.VehicleID] = doc
	p.saved[doc.VehicleID] = doc.UpdatedAt
	p.saves++
}

func (p *memPersister) SavedAt(id int) time.Time { return p.saved[id] }

type sliceRecorder struct{ entries []recorder.Entry }

func (r *sliceRecorder) Record(e recorder.Entry) { r.entries = append(r.entries, e) }

func torque(rpm float64) float64 {
	x := (rpm - 4500) / 4000
	return 1 - x*x
}

// sweep drives a wide-open-throttle pull in one gear whose acceleration
// follows torque(rpm). It starts with a long-gap frame so the filter
// re-baselines at the new speed.
func sweep(e *ECU, clock *fakeClock, vehicle, gear int, fromRPM, toRPM float64) {
	const rpmPerSpeed = 100.0
	ratio := testRatios[gear-1]
	speed := fromRPM / (ratio * rpmPerSpeed)
	e.Update(wot(vehicle, gear, fromRPM, speed), time.Second)
	for i := 0; i < 5000; i++ {
		a := ratio * 0.5 * torque(speed*ratio*rpmPerSpeed) / 0.31
		speed += a * frame.Seconds()
		rpm := speed * ratio * rpmPerSpeed
		if rpm >= toRPM {
			return
		}
		if clock != nil {
			clock.advance(frame)
		}
		e.Update(wot(vehicle, gear, rpm, speed), frame)
	}
}

func TestBrakeNeverAdmitted(t *testing.T) {
	for _, brake := range []float64{0.5, 50, 127.5} {
		rec := &sliceRecorder{}
		e := New(DefaultConfig(), Options{Recorder: rec})
		speed := 10.0
		for i := 0; i < 600; i++ {
			speed += 2.0 / 60
			s := wot(1, 3, 2500+float64(i)*5, speed)
			s.Brake = brake
			e.Update(s, frame)
		}
		c := e.Counters()
		if c.Get(stats.OK) != 0 {
			t.Fatalf("brake=%v: expected no admitted samples, got %d", brake, c.Get(stats.OK))
		}
		if c.Get(stats.Brake) != 600 {
			t.Fatalf("brake=%v: expected 600 brake rejections, got %d", brake, c.Get(stats.Brake))
		}
		if len(e.PlotData(1, 3).Curve) != 0 || len(rec.entries) != 0 {
			t.Fatalf("brake=%v: expected empty gear 3 curve and no recorded samples", brake)
		}
	}
}

func TestGearThreeRampThenUpshiftTarget(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	speed := 10.0
	for i := 0; i < 1000; i++ {
		speed += 1.5 / 60
		e.Update(wot(1, 3, 2000+float64(i)*5, speed), frame)
	}
	up, _, d := e.GetShiftTargets(wot(1, 3, 5000, speed))
	if d.Coverage <= 0.8 {
		t.Fatalf("expected gear 3 coverage > 0.8, got %.3f", d.Coverage)
	}
	if up != 0 {
		t.Fatalf("expected no upshift target before gear 4 has data, got %v", up)
	}

	// Long gap, then a comparable gear 4 ramp.
	e.Update(wot(1, 4, 2000, speed), time.Second)
	for i := 0; i < 1000; i++ {
		speed += 1.0 / 60
		e.Update(wot(1, 4, 2000+float64(i)*5, speed), frame)
	}
	up, _, d = e.GetShiftTargets(wot(1, 3, 5000, speed))
	if d.CoverageBy[4] <= 0.8 {
		t.Fatalf("expected gear 4 coverage > 0.8, got %.3f", d.CoverageBy[4])
	}
	if up < 2000 || up > 8000 {
		t.Fatalf("expected a valid gear 3 upshift target within [2000, 8000], got %v", up)
	}
	if e.Counters().Get(stats.DT) != 1 {
		t.Fatalf("expected exactly one dt rejection, got %d", e.Counters().Get(stats.DT))
	}
}

func TestCrossoverTargetFromTorqueCurve(t *testing.T) {
	rec := &sliceRecorder{}
	e := New(DefaultConfig(), Options{Recorder: rec})
	sweep(e, nil, 1, 3, 2000, 7500)
	sweep(e, nil, 1, 4, 2500, 7000)

	// Equal-road-speed crossover of torque(r) and torque(r*1.3/1.7) sits
	// near 5100 rpm; filter lag shifts it slightly.
	up, _, _ := e.GetShiftTargets(wot(1, 3, 4000, 30))
	if up < 4700 || up > 5700 {
		t.Fatalf("expected gear 3 upshift near the crossover, got %v", up)
	}
	_, down, _ := e.GetShiftTargets(wot(1, 4, 4000, 30))
	if down <= 0 || down > 8000*1.3/1.7+1e-9 {
		t.Fatalf("expected gear 4 downshift capped by gear 3 over-rev, got %v", down)
	}
	if len(rec.entries) == 0 || uint64(len(rec.entries)) != e.Counters().Get(stats.OK) {
		t.Fatalf("expected every accepted sample recorded, got %d vs ok=%d", len(rec.entries), e.Counters().Get(stats.OK))
	}

	plot := e.PlotData(1, 3)
	if len(plot.Samples) == 0 || len(plot.Samples) > 500 || len(plot.Curve) == 0 {
		t.Fatalf("unexpected plot sizes: samples=%d curve=%d", len(plot.Samples), len(plot.Curve))
	}
	if plot.MaxValue <= 0 || plot.MaxRPM < 7000 {
		t.Fatalf("unexpected plot bounds %+v", plot)
	}
}

func TestSaveLoadRoundTripThroughStore(t *testing.T) {
	clock := newClock()
	cfg := modelstore.DefaultConfig()
	cfg.Dir = t.TempDir()
	store, err := modelstore.Open(cfg, model.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := New(DefaultConfig(), Options{Persister: store, Now: clock.now})
	sweep(e, clock, 9, 3, 2000, 7500)
	sweep(e, clock, 9, 4, 2500, 7000)
	e.Flush()
	wantUp, wantDown, wantDiag := e.GetShiftTargets(wot(9, 3, 4000, 30))
	if wantUp == 0 {
		t.Fatalf("expected a learned upshift target")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := modelstore.Open(cfg, model.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	e2 := New(DefaultConfig(), Options{Persister: store2, Now: clock.now})
	if up, _, _ := e2.GetShiftTargets(wot(9, 3, 4000, 30)); up != 0 {
		t.Fatalf("expected unknown vehicle to report no target before first update, got %v", up)
	}
	if len(e2.Vehicles()) != 0 {
		t.Fatalf("expected query not to load the vehicle")
	}
	idle := wot(9, 3, 900, 3)
	e2.Update(idle, frame)
	up, down, d := e2.GetShiftTargets(wot(9, 3, 4000, 30))
	if up != wantUp || down != wantDown {
		t.Fatalf("targets after reload: up=%v down=%v, want %v %v", up, down, wantUp, wantDown)
	}
	for g, cov := range wantDiag.CoverageBy {
		if math.Abs(d.CoverageBy[g]-cov) > 1e-12 {
			t.Fatalf("gear %d coverage %v, want %v", g, d.CoverageBy[g], cov)
		}
	}
	if n := e2.Flush(); n != 0 {
		t.Fatalf("expected an unchanged model not to be re-saved, saved %d", n)
	}
}

func TestAutosaveCadence(t *testing.T) {
	clock := newClock()
	p := newMemPersister()
	e := New(DefaultConfig(), Options{Persister: p, Now: clock.now})

	speed := 12.0
	step := func(rpm float64) {
		speed += 2.0 / 60
		clock.advance(frame)
		e.Update(wot(2, 3, rpm, speed), frame)
	}
	for i := 0; i < 120; i++ {
		step(3000 + float64(i)*5)
	}
	if p.saves != 0 {
		t.Fatalf("expected no save inside the first interval, got %d", p.saves)
	}
	clock.advance(10 * time.Second)
	step(3700)
	if p.saves != 1 {
		t.Fatalf("expected one autosave after 10s, got %d", p.saves)
	}

	// Within the interval nothing is written.
	clock.advance(5 * time.Second)
	step(900)
	if p.saves != 1 {
		t.Fatalf("expected no save inside the interval, got %d", p.saves)
	}
	// A clean model is skipped even when the interval has elapsed.
	clock.advance(10 * time.Second)
	step(950)
	if p.saves != 1 {
		t.Fatalf("expected clean model to be skipped, got %d saves", p.saves)
	}
	step(3800)
	clock.advance(11 * time.Second)
	step(3810)
	if p.saves != 2 {
		t.Fatalf("expected dirty model to be saved on the next tick, got %d", p.saves)
	}
	if doc := p.docs[2]; doc.VehicleID != 2 || len(doc.Gears) == 0 {
		t.Fatalf("unexpected saved document %+v", doc)
	}
}

func TestAutosaveIntervalClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutosaveSeconds = 2
	if e := New(cfg, Options{}); e.Config().AutosaveSeconds != 7 {
		t.Fatalf("expected interval clamped to 7s, got %d", e.Config().AutosaveSeconds)
	}
	cfg.AutosaveSeconds = 60
	if e := New(cfg, Options{}); e.Config().AutosaveSeconds != 15 {
		t.Fatalf("expected interval clamped to 15s, got %d", e.Config().AutosaveSeconds)
	}
}

func TestCoastSettleAndRPMCeilingNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoastSettleSeconds = 0.1
	cfg.MaxRPM = 800
	got := New(cfg, Options{}).Config()
	if math.Abs(got.CoastSettleSeconds-3*got.AccelTauSeconds) > 1e-12 {
		t.Fatalf("expected settle window raised to 3τ, got %v", got.CoastSettleSeconds)
	}
	if got.MaxRPM != 12000 {
		t.Fatalf("expected a ceiling below min_rpm to fall back to 12000, got %v", got.MaxRPM)
	}
}

func TestDeltaAndMalformedEdges(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	s := wot(1, 3, 3000, 20)
	e.Update(s, -time.Second)
	s.Speed = 20.1
	e.Update(s, 0) // no dt anywhere
	s.Speed = 20.2
	e.Update(s, 3*time.Second)
	s.Speed = 20.3
	s.DTSeconds = 1.0 / 60
	e.Update(s, 0) // falls back to the sample delta
	e.Update(s, 0) // exact repeat

	bad := wot(1, 3, math.NaN(), 20)
	e.Update(bad, frame)
	bad = wot(1, 3, 3000, math.Inf(1))
	e.Update(bad, frame)

	c := e.Counters()
	if c.Get(stats.DT) != 3 {
		t.Fatalf("expected 3 dt rejections, got %d", c.Get(stats.DT))
	}
	if c.Get(stats.Repeat) != 1 {
		t.Fatalf("expected 1 repeat, got %d", c.Get(stats.Repeat))
	}
	if c.Get(stats.Malformed) != 2 {
		t.Fatalf("expected 2 malformed, got %d", c.Get(stats.Malformed))
	}
	// The sample-delta frame follows a re-baseline at 20.2 m/s, so it passes
	// the dt gate and is judged on acceleration.
	if c.Get(stats.OK)+c.Get(stats.Accel) != 1 {
		t.Fatalf("expected the sample-delta frame to reach gating, counters %v", c.Snapshot())
	}
}

func TestGateOrderAndRatioGuard(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	speed := 15.0
	next := func(mut func(*telemetry.Sample)) {
		speed += 0.05
		s := wot(1, 3, 3000, speed)
		mut(&s)
		e.Update(s, frame)
	}
	next(func(*telemetry.Sample) {}) // seeds the filter
	next(func(s *telemetry.Sample) { s.Gear = 0 })
	next(func(s *telemetry.Sample) { s.Gear = 9 })
	next(func(s *telemetry.Sample) { s.EngineRPM = 900 })
	next(func(s *telemetry.Sample) { s.Throttle = 50 })
	next(func(s *telemetry.Sample) { s.Clutch = 0.5 })
	next(func(s *telemetry.Sample) {})

	c := e.Counters()
	if c.Get(stats.BadGear) != 2 || c.Get(stats.RPMGate) != 1 || c.Get(stats.Throttle) != 1 || c.Get(stats.Clutch) != 1 {
		t.Fatalf("unexpected gate counters %v", c.Snapshot())
	}
	if c.Get(stats.OK) != 1 {
		t.Fatalf("expected the final clean frame to be admitted, got %v", c.Snapshot())
	}

	z := New(DefaultConfig(), Options{})
	s := wot(1, 2, 3000, 15)
	s.GearRatios = []float64{3, 0, 1.5}
	z.Update(s, frame)
	if z.Counters().Get(stats.Ratio) != 1 {
		t.Fatalf("expected zero ratio rejection, got %v", z.Counters().Snapshot())
	}
}

func TestCoastRoutingFreezesFitter(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	speed := 45.0
	for i := 0; i < 400; i++ {
		decel := 0.12 + 0.008*speed + 0.00035*speed*speed
		speed -= decel / 60
		e.Update(telemetry.Sample{VehicleID: 4, Gear: 0, EngineRPM: 900, Speed: speed}, frame)
	}
	c := e.Counters()
	if c.Get(stats.Coast) != 400 || c.Get(stats.OK) != 0 || c.Get(stats.BadGear) != 0 {
		t.Fatalf("expected every frame routed to coast, counters %v", c.Snapshot())
	}
	// Two seconds of settling at 60 Hz, give or take float accumulation.
	if n := c.Get(stats.CoastSettle); n < 119 || n > 123 {
		t.Fatalf("expected about 121 settling frames, got %d", n)
	}
	d := e.Diagnostics()
	if d.VehicleID != 4 || !d.Coast.Frozen || d.Coast.Samples != 200 {
		t.Fatalf("expected frozen coast fit after 200 samples, got %+v", d.Coast)
	}
	if len(d.CoverageBy) != 0 {
		t.Fatalf("coast frames must not create gear curves, got %v", d.CoverageBy)
	}
}

func TestLiftOffAfterPullRecoversCoastCoefficients(t *testing.T) {
	const (
		c0, c1, c2 = 0.15, 0.002, 0.0004
		step       = 100 * time.Millisecond
	)
	e := New(DefaultConfig(), Options{})

	// 3 s full-throttle pull at 4 m/s².
	speed := 48.0
	for i := 0; i < 30; i++ {
		speed += 4 * step.Seconds()
		e.Update(wot(6, 4, 3000+float64(i)*40, speed), step)
	}
	if e.Counters().Get(stats.Coast) != 0 {
		t.Fatalf("expected no coast frames during the pull")
	}

	// Lift off; integrate the true deceleration finely between frames.
	for i := 0; i < 300; i++ {
		for k := 0; k < 200; k++ {
			speed -= (c0 + c1*speed + c2*speed*speed) * step.Seconds() / 200
		}
		s := wot(6, 4, 2500, speed)
		s.Throttle = 0
		e.Update(s, step)
	}

	c := e.Counters()
	if c.Get(stats.CoastSettle) == 0 {
		t.Fatalf("expected lift-off frames held back while the filter settles, counters %v", c.Snapshot())
	}
	v := e.vehicles[6]
	if !v.Coast.Frozen() || v.Coast.Samples() != 200 {
		t.Fatalf("expected a frozen fit after 200 samples, got frozen=%v samples=%d", v.Coast.Frozen(), v.Coast.Samples())
	}
	g0, g1, g2 := v.Coast.Coefficients()
	if math.Abs(g0-c0) > 0.02 || math.Abs(g1-c1) > 0.0005 || math.Abs(g2-c2) > 0.00002 {
		t.Fatalf("expected coefficients near (%v, %v, %v), got (%v, %v, %v)", c0, c1, c2, g0, g1, g2)
	}
	for _, at := range []float64{35, 45, 55} {
		want := c0 + c1*at + c2*at*at
		if got := v.Coast.Predict(at); math.Abs(got-want)/want > 0.01 {
			t.Fatalf("Predict(%v) = %v, want %v", at, got, want)
		}
	}
}

func TestRPMSpikeIsGatedBeforeTheCurve(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	sweep(e, nil, 1, 3, 2000, 7500)
	sweep(e, nil, 1, 4, 2500, 7000)

	query := wot(1, 3, 4000, 30)
	wantUp, wantDown, wantDiag := e.GetShiftTargets(query)
	curve := e.vehicles[1].Curve(3)
	wantBins := len(curve.Bins())
	lo, hi, _ := curve.SampledRange()
	okBefore, outBefore := e.Counters().Get(stats.OK), e.Counters().Get(stats.Outlier)

	speed := e.lastSpeed
	for _, rpm := range []float64{1e6, 1e300, 12001} {
		speed += 0.1
		e.Update(wot(1, 3, rpm, speed), frame)
	}

	c := e.Counters()
	if c.Get(stats.RPMHigh) != 3 {
		t.Fatalf("expected 3 rpm_high rejections, got %v", c.Snapshot())
	}
	if c.Get(stats.OK) != okBefore || c.Get(stats.Outlier) != outBefore {
		t.Fatalf("expected no spike to reach a curve, counters %v", c.Snapshot())
	}
	up, down, d := e.GetShiftTargets(query)
	if up != wantUp || down != wantDown {
		t.Fatalf("targets moved after spike: up=%v down=%v, want %v %v", up, down, wantUp, wantDown)
	}
	for g, cov := range wantDiag.CoverageBy {
		if d.CoverageBy[g] != cov {
			t.Fatalf("gear %d coverage moved: %v vs %v", g, d.CoverageBy[g], cov)
		}
	}
	if got := len(curve.Bins()); got != wantBins {
		t.Fatalf("expected %d bins, got %d", wantBins, got)
	}
	if l, h, _ := curve.SampledRange(); l != lo || h != hi {
		t.Fatalf("expected range [%v, %v] unchanged, got [%v, %v]", lo, hi, l, h)
	}

	// A high redline lifts the ceiling above the configured floor.
	if got := e.Config().rpmCeiling(11000); math.Abs(got-12650) > 1e-9 {
		t.Fatalf("expected ceiling 12650 for an 11000 rpm redline, got %v", got)
	}
}

func TestShiftNowHysteresisAndVehicleSwitch(t *testing.T) {
	p := newMemPersister()
	v := model.New(1, model.DefaultConfig())
	v.GearRatios = append([]float64(nil), testRatios...)
	v.Targets.Up[3] = 6000
	v.Targets.Down[3] = 3500
	p.preset[1] = v
	e := New(DefaultConfig(), Options{Persister: p})

	if e.ShiftNow(wot(1, 3, 7000, 30)) {
		t.Fatalf("expected unknown vehicle never to signal")
	}
	e.Update(wot(1, 3, 1000, 5), frame)

	for _, tc := range []struct {
		rpm  float64
		want bool
	}{
		{6100, false},
		{6120, true},
		{5950, true},
		{6050, true},
		{5881, true},
		{5879, false},
		{6000, false},
	} {
		if got := e.ShiftNow(wot(1, 3, tc.rpm, 30)); got != tc.want {
			t.Fatalf("ShiftNow(%v) = %v, want %v", tc.rpm, got, tc.want)
		}
	}

	up, down, d := e.GetShiftTargets(wot(1, 3, 4500, 30))
	if up != 6000 || down != 3500 || math.Abs(d.Progress-0.75) > 1e-12 {
		t.Fatalf("unexpected targets %v %v progress %v", up, down, d.Progress)
	}

	if !e.ShiftNow(wot(1, 3, 6200, 30)) {
		t.Fatalf("expected latch on")
	}
	e.Update(wot(2, 3, 1000, 5), frame)
	e.Update(wot(1, 3, 1001, 5), frame)
	if e.ShiftNow(wot(1, 3, 5950, 30)) {
		t.Fatalf("expected vehicle switch to clear the latch")
	}
}

func TestMultipleInstancesAreIndependent(t *testing.T) {
	a := New(DefaultConfig(), Options{})
	b := New(DefaultConfig(), Options{})
	sweep(a, nil, 1, 3, 2000, 4000)
	if len(b.Vehicles()) != 0 || b.Counters().Get(stats.OK) != 0 {
		t.Fatalf("expected independent instance state")
	}
	if len(a.Vehicles()) != 1 {
		t.Fatalf("expected one vehicle in the trained instance, got %v", a.Vehicles())
	}
}
