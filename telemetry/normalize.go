package telemetry

// Normalizer maps a pedal channel to [0,1]. Capture sources disagree on
// units (0-1, 0-100, 0-255) and carry no unit tag, so the range is inferred
// from the magnitude; anything beyond the known scales falls back to
// tracking the largest value seen.
type Normalizer struct {
	seenMax float64
}

// NewNormalizer returns a normalizer with a unit dynamic-max floor.
func NewNormalizer() *Normalizer {
	return &Normalizer{seenMax: 1}
}

// Normalize returns v scaled to [0,1].
func (n *Normalizer) Normalize(v float64) float64 {
	if !finite(v) || v <= 0 {
		return 0
	}
	switch {
	case v <= 1.2:
		return clamp01(v)
	case v <= 110:
		return clamp01(v / 100)
	case v <= 260:
		return clamp01(v / 255)
	}
	if v > n.seenMax {
		n.seenMax = v
	}
	return clamp01(v / n.seenMax)
}

// Reset forgets the tracked maximum.
func (n *Normalizer) Reset() {
	n.seenMax = 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
