package telemetry

import (
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

func TestNormalizerScales(t *testing.T) {
	n := NewNormalizer()
	cases := []struct {
		raw  float64
		want float64
	}{
		{0, 0},
		{-3, 0},
		{0.5, 0.5},
		{1.1, 1},
		{50, 0.5},
		{100, 1},
		{255, 1},
		{127.5, 0.5},
	}
	for _, tc := range cases {
		if got := n.Normalize(tc.raw); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Normalize(%v): expected %v, got %v", tc.raw, tc.want, got)
		}
	}
}

func TestNormalizerDynamicMaxFallback(t *testing.T) {
	n := NewNormalizer()
	if got := n.Normalize(1000); got != 1 {
		t.Fatalf("expected first out-of-range value to map to 1, got %v", got)
	}
	if got := n.Normalize(500); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 500 against max 1000 to be 0.5, got %v", got)
	}
	if got := n.Normalize(math.NaN()); got != 0 {
		t.Fatalf("expected NaN to normalize to 0, got %v", got)
	}
}

func TestSampleValidAndElapsed(t *testing.T) {
	s := Sample{EngineRPM: 4000, Speed: 20, GearRatios: []float64{3, 2}, DTSeconds: 0.5}
	if !s.Valid() {
		t.Fatalf("expected finite sample to be valid")
	}
	if got := s.Elapsed(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms elapsed, got %s", got)
	}
	s.GearRatios = []float64{3, math.Inf(1)}
	if s.Valid() {
		t.Fatalf("expected infinite ratio to invalidate sample")
	}
	s = Sample{Speed: math.NaN()}
	if s.Valid() {
		t.Fatalf("expected NaN speed to invalidate sample")
	}
	if (Sample{DTSeconds: -1}).Elapsed() != 0 {
		t.Fatalf("expected negative dt to map to zero")
	}
}

func TestRatioFor(t *testing.T) {
	ratios := []float64{3.5, 2.1, 1.4}
	if r, ok := RatioFor(ratios, 2); !ok || r != 2.1 {
		t.Fatalf("expected gear 2 ratio 2.1, got %v ok=%t", r, ok)
	}
	for _, gear := range []int{0, -1, 4} {
		if _, ok := RatioFor(ratios, gear); ok {
			t.Fatalf("expected gear %d to be invalid", gear)
		}
	}
}

func TestReaderSkipsBlankAndReportsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`# capture`,
		``,
		`{"vehicle_id":7,"engine_rpm":5000,"gear":3,"speed":30,"throttle":1,"dt":0.016,"gear_ratios":[3,2,1.5],"extra":"ignored"}`,
		`{not json`,
		`{"vehicle_id":7,"engine_rpm":5100,"gear":3}`,
	}, "\n")
	r := NewReader(strings.NewReader(input))

	s, err := r.Next()
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if s.VehicleID != 7 || s.Gear != 3 || len(s.GearRatios) != 3 || s.DTSeconds != 0.016 {
		t.Fatalf("unexpected first record: %+v", s)
	}
	if _, err := r.Next(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	s, err = r.Next()
	if err != nil || s.EngineRPM != 5100 {
		t.Fatalf("expected reader to continue after malformed line, got %+v err=%v", s, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if r.Line() != 5 {
		t.Fatalf("expected 5 lines consumed, got %d", r.Line())
	}
}
