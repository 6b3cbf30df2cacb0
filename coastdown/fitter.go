// Package coastdown estimates a vehicle's drag and rolling-resistance
// deceleration as a quadratic in road speed using recursive least squares.
// The estimator freezes after a fixed number of accepted observations so the
// learned reference cannot drift once converged.
package coastdown

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	params = 3
	// speedScale keeps the regressors near unity; theta and P live in the
	// scaled space and are converted at the API boundary.
	speedScale = 50.0
)

// Config holds RLS tuning.
type Config struct {
	Forgetting        float64    `yaml:"forgetting"`         // lambda, (0,1]
	WarmSamples       int        `yaml:"warm_samples"`       // accepted updates before freezing
	InitialCovariance float64    `yaml:"initial_covariance"` // diagonal of P at start
	Default           [3]float64 `yaml:"default"`            // C0, C1, C2 before any data
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Forgetting:        0.995,
		WarmSamples:       200,
		InitialCovariance: 1000,
		Default:           [3]float64{0.1, 0, 0.0004},
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Forgetting <= 0 || c.Forgetting > 1 || math.IsNaN(c.Forgetting) {
		c.Forgetting = def.Forgetting
	}
	if c.WarmSamples <= 0 {
		c.WarmSamples = def.WarmSamples
	}
	if c.InitialCovariance <= 0 || math.IsNaN(c.InitialCovariance) || math.IsInf(c.InitialCovariance, 0) {
		c.InitialCovariance = def.InitialCovariance
	}
	for i, v := range c.Default {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			c.Default[i] = def.Default[i]
		}
	}
}

// State is the serializable snapshot of a fitter.
type State struct {
	C0         float64    `json:"c0"`
	C1         float64    `json:"c1"`
	C2         float64    `json:"c2"`
	Covariance [9]float64 `json:"covariance"` // row-major 3x3, scaled regressors
	Samples    int        `json:"samples"`
	Frozen     bool       `json:"frozen"`
}

// Fitter fits decel ≈ C0 + C1·v + C2·v².
type Fitter struct {
	cfg     Config
	theta   *mat.VecDense
	p       *mat.Dense
	samples int
	frozen  bool
}

// New returns a fitter seeded with the configured default coefficients.
func New(cfg Config) *Fitter {
	cfg.normalize()
	f := &Fitter{
		cfg:   cfg,
		theta: mat.NewVecDense(params, scaleCoefficients(cfg.Default[0], cfg.Default[1], cfg.Default[2])),
		p:     mat.NewDense(params, params, nil),
	}
	for i := 0; i < params; i++ {
		f.p.Set(i, i, cfg.InitialCovariance)
	}
	return f
}

// Restore rebuilds a fitter from a snapshot. A covariance that is all zero
// or non-finite is replaced by the initial diagonal.
func Restore(cfg Config, st State) *Fitter {
	f := New(cfg)
	coeffs := []float64{st.C0, st.C1, st.C2}
	for i, v := range coeffs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			coeffs[i] = f.cfg.Default[i]
		}
	}
	f.theta = mat.NewVecDense(params, scaleCoefficients(coeffs[0], coeffs[1], coeffs[2]))
	if validCovariance(st.Covariance) {
		f.p = mat.NewDense(params, params, append([]float64(nil), st.Covariance[:]...))
	}
	if st.Samples > 0 {
		f.samples = st.Samples
	}
	f.frozen = st.Frozen || f.samples >= f.cfg.WarmSamples
	return f
}

// Update ingests one (speed, deceleration) observation and reports whether it
// changed the estimate. Frozen fitters ignore every update.
func (f *Fitter) Update(speed, decel float64) bool {
	if f.frozen {
		return false
	}
	if !finite(speed) || !finite(decel) {
		return false
	}
	x := speed / speedScale
	phi := mat.NewVecDense(params, []float64{1, x, x * x})

	var pPhi mat.VecDense
	pPhi.MulVec(f.p, phi)
	denom := f.cfg.Forgetting + mat.Dot(phi, &pPhi)
	if !finite(denom) || denom <= 0 {
		return false
	}
	var gain mat.VecDense
	gain.ScaleVec(1/denom, &pPhi)

	residual := decel - mat.Dot(phi, f.theta)
	var theta mat.VecDense
	theta.AddScaledVec(f.theta, residual, &gain)

	// P = (I - K·phiᵗ)·P / lambda
	var kPhi mat.Dense
	kPhi.Outer(1, &gain, phi)
	var ikp mat.Dense
	ikp.Sub(identity(), &kPhi)
	var p mat.Dense
	p.Mul(&ikp, f.p)
	p.Scale(1/f.cfg.Forgetting, &p)
	symmetrize(&p)

	if !finiteVec(&theta) || !finiteDense(&p) {
		return false
	}
	f.theta = &theta
	f.p = &p
	f.samples++
	if f.samples >= f.cfg.WarmSamples {
		f.frozen = true
	}
	return true
}

// Predict returns the estimated deceleration magnitude at speed.
func (f *Fitter) Predict(speed float64) float64 {
	c0, c1, c2 := f.Coefficients()
	return c0 + c1*speed + c2*speed*speed
}

// Coefficients returns C0, C1, C2 in road-speed units.
func (f *Fitter) Coefficients() (float64, float64, float64) {
	return f.theta.AtVec(0), f.theta.AtVec(1) / speedScale, f.theta.AtVec(2) / (speedScale * speedScale)
}

// Frozen reports whether the fitter stopped learning.
func (f *Fitter) Frozen() bool { return f.frozen }

// Samples returns the number of accepted updates.
func (f *Fitter) Samples() int { return f.samples }

// State returns a copy of the fitter state.
func (f *Fitter) State() State {
	c0, c1, c2 := f.Coefficients()
	st := State{C0: c0, C1: c1, C2: c2, Samples: f.samples, Frozen: f.frozen}
	for i := 0; i < params; i++ {
		for j := 0; j < params; j++ {
			st.Covariance[i*params+j] = f.p.At(i, j)
		}
	}
	return st
}

func scaleCoefficients(c0, c1, c2 float64) []float64 {
	return []float64{c0, c1 * speedScale, c2 * speedScale * speedScale}
}

func identity() *mat.Dense {
	id := mat.NewDense(params, params, nil)
	for i := 0; i < params; i++ {
		id.Set(i, i, 1)
	}
	return id
}

func symmetrize(p *mat.Dense) {
	for i := 0; i < params; i++ {
		for j := i + 1; j < params; j++ {
			avg := 0.5 * (p.At(i, j) + p.At(j, i))
			p.Set(i, j, avg)
			p.Set(j, i, avg)
		}
	}
}

func validCovariance(c [9]float64) bool {
	nonZero := false
	for _, v := range c {
		if !finite(v) {
			return false
		}
		if v != 0 {
			nonZero = true
		}
	}
	return nonZero
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if !finite(v.AtVec(i)) {
			return false
		}
	}
	return true
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !finite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
