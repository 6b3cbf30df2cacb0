// Package gearcurve learns one gear's tractive-effort proxy as a function of
// engine speed. Samples land in fixed-width engine-speed buckets holding a
// smoothed mean; queries read a 3-point smoothed, linearly interpolated view
// of those buckets.
package gearcurve

import (
	"math"
	"sort"
)

const meanFloor = 1e-6

// Config holds bucket and outlier tuning.
type Config struct {
	BinSize         float64 `yaml:"bin_size"`          // engine-speed units per bucket, 100..250
	Alpha           float64 `yaml:"alpha"`             // exponential smoothing factor
	OutlierFactor   float64 `yaml:"outlier_factor"`    // reject proxy > factor × mean
	OutlierMinCount int     `yaml:"outlier_min_count"` // clamp applies once count exceeds this
	MinBinCount     int     `yaml:"min_bin_count"`     // count needed for a bucket to be "filled"
	MaxRPM          float64 `yaml:"max_rpm"`           // storage backstop; the ECU gates glitches well below this
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BinSize:         100,
		Alpha:           0.12,
		OutlierFactor:   3.5,
		OutlierMinCount: 12,
		MinBinCount:     3,
		MaxRPM:          20000,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if math.IsNaN(c.BinSize) || c.BinSize <= 0 {
		c.BinSize = def.BinSize
	}
	if c.BinSize < 100 {
		c.BinSize = 100
	}
	if c.BinSize > 250 {
		c.BinSize = 250
	}
	if math.IsNaN(c.Alpha) || c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = def.Alpha
	}
	if math.IsNaN(c.OutlierFactor) || c.OutlierFactor <= 1 {
		c.OutlierFactor = def.OutlierFactor
	}
	if c.OutlierMinCount < 0 {
		c.OutlierMinCount = def.OutlierMinCount
	}
	if c.MinBinCount <= 0 {
		c.MinBinCount = def.MinBinCount
	}
	if !(c.MaxRPM > 0) || math.IsInf(c.MaxRPM, 0) {
		c.MaxRPM = def.MaxRPM
	}
}

// Bin is one engine-speed bucket.
type Bin struct {
	Bucket int     `json:"bucket"` // floor(rpm / bin size)
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
}

// Point is one vertex of the smoothed curve.
type Point struct {
	RPM   float64
	Value float64
}

// Curve is the learned proxy curve for a single gear.
type Curve struct {
	cfg      Config
	bins     map[int]*Bin
	rejected int

	// derived view, rebuilt on every accepted sample
	xs []float64
	ys []float64
}

// New returns an empty curve.
func New(cfg Config) *Curve {
	cfg.normalize()
	return &Curve{cfg: cfg, bins: make(map[int]*Bin)}
}

// Restore rebuilds a curve from persisted bins. Bins with non-positive counts,
// non-finite means or keys outside [0, MaxRPM] are dropped.
func Restore(cfg Config, bins []Bin, rejected int) *Curve {
	c := New(cfg)
	maxKey := c.Bucket(c.cfg.MaxRPM)
	for _, b := range bins {
		if b.Count <= 0 || b.Bucket < 0 || b.Bucket > maxKey || math.IsNaN(b.Mean) || math.IsInf(b.Mean, 0) {
			continue
		}
		mean := b.Mean
		if mean < 0 {
			mean = 0
		}
		c.bins[b.Bucket] = &Bin{Bucket: b.Bucket, Count: b.Count, Mean: mean}
	}
	if rejected > 0 {
		c.rejected = rejected
	}
	c.rebuild()
	return c
}

// BinSize returns the bucket width in use.
func (c *Curve) BinSize() float64 { return c.cfg.BinSize }

// Bucket returns the bucket key for rpm.
func (c *Curve) Bucket(rpm float64) int {
	return int(math.Floor(rpm / c.cfg.BinSize))
}

// AddSample folds one proxy observation into its bucket. It returns false when
// the sample is rejected as an outlier or is not usable. Engine speeds outside
// [0, MaxRPM] never reach a bucket and are not counted as outliers.
func (c *Curve) AddSample(rpm, proxy float64) bool {
	if !c.inRange(rpm) || !finite(proxy) {
		return false
	}
	if proxy < 0 {
		proxy = 0
	}
	key := c.Bucket(rpm)
	b, ok := c.bins[key]
	if !ok {
		b = &Bin{Bucket: key}
		c.bins[key] = b
	}
	if b.Count > c.cfg.OutlierMinCount && proxy > c.cfg.OutlierFactor*math.Max(b.Mean, meanFloor) {
		c.rejected++
		return false
	}
	b.Count++
	alpha := math.Max(c.cfg.Alpha, 1/float64(b.Count))
	b.Mean += alpha * (proxy - b.Mean)
	c.rebuild()
	return true
}

// Count returns the sample count of the bucket containing rpm.
func (c *Curve) Count(rpm float64) int {
	if !c.inRange(rpm) {
		return 0
	}
	if b, ok := c.bins[c.Bucket(rpm)]; ok {
		return b.Count
	}
	return 0
}

func (c *Curve) inRange(rpm float64) bool {
	return finite(rpm) && rpm >= 0 && rpm <= c.cfg.MaxRPM
}

// Rejected returns the number of outliers dropped.
func (c *Curve) Rejected() int { return c.rejected }

// ValueAt returns the smoothed, interpolated proxy at rpm, clamped to the
// edge values outside the sampled range. An empty curve returns 0.
func (c *Curve) ValueAt(rpm float64) float64 {
	n := len(c.xs)
	if n == 0 {
		return 0
	}
	if rpm <= c.xs[0] {
		return c.ys[0]
	}
	if rpm >= c.xs[n-1] {
		return c.ys[n-1]
	}
	hi := sort.SearchFloat64s(c.xs, rpm)
	if c.xs[hi] == rpm {
		return c.ys[hi]
	}
	lo := hi - 1
	t := (rpm - c.xs[lo]) / math.Max(meanFloor, c.xs[hi]-c.xs[lo])
	return c.ys[lo]*(1-t) + c.ys[hi]*t
}

// Coverage returns the fraction of buckets between the lowest and highest
// populated bucket that hold at least MinBinCount samples.
func (c *Curve) Coverage() float64 {
	if len(c.bins) == 0 {
		return 0
	}
	lo, hi := math.MaxInt, math.MinInt
	filled := 0
	for k, b := range c.bins {
		if k < lo {
			lo = k
		}
		if k > hi {
			hi = k
		}
		if b.Count >= c.cfg.MinBinCount {
			filled++
		}
	}
	return float64(filled) / float64(hi-lo+1)
}

// FilledBins returns how many buckets hold at least MinBinCount samples.
func (c *Curve) FilledBins() int {
	filled := 0
	for _, b := range c.bins {
		if b.Count >= c.cfg.MinBinCount {
			filled++
		}
	}
	return filled
}

// SampledRange returns the lowest and highest bucket centres.
func (c *Curve) SampledRange() (float64, float64, bool) {
	if len(c.xs) == 0 {
		return 0, 0, false
	}
	return c.xs[0], c.xs[len(c.xs)-1], true
}

// Bins returns a copy of the buckets ordered by engine speed.
func (c *Curve) Bins() []Bin {
	out := make([]Bin, 0, len(c.bins))
	for _, b := range c.bins {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// Points returns the smoothed curve vertices.
func (c *Curve) Points() []Point {
	out := make([]Point, len(c.xs))
	for i := range c.xs {
		out[i] = Point{RPM: c.xs[i], Value: c.ys[i]}
	}
	return out
}

func (c *Curve) rebuild() {
	keys := make([]int, 0, len(c.bins))
	for k, b := range c.bins {
		if b.Count > 0 {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	n := len(keys)
	xs := make([]float64, n)
	raw := make([]float64, n)
	for i, k := range keys {
		xs[i] = (float64(k) + 0.5) * c.cfg.BinSize
		raw[i] = c.bins[k].Mean
	}
	ys := make([]float64, n)
	for i := range raw {
		sum, k := raw[i], 1.0
		if i > 0 {
			sum += raw[i-1]
			k++
		}
		if i+1 < n {
			sum += raw[i+1]
			k++
		}
		ys[i] = sum / k
	}
	c.xs, c.ys = xs, ys
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
