package metadata

import (
	"math"
	"testing"
)

// TestPadSize verifies the rotation-safe padding rule
func TestPadSize(t *testing.T) {
	testCases := []struct {
		width    int
		expected int
	}{
		{4, 1},
		{16, 4},
		{64, 14},
		{128, 27},
	}

	for _, tc := range testCases {
		if got := PadSize(tc.width); got != tc.expected {
			t.Errorf("PadSize(%d): expected %d, got %d", tc.width, tc.expected, got)
		}
	}
}

// TestPaddedShape verifies that padding covers the transverse diagonal
func TestPaddedShape(t *testing.T) {
	m, err := NewObjectMeta([3]int{16, 16, 8}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("Failed to create object meta: %v", err)
	}

	padded := m.PaddedShape()
	if padded != [3]int{24, 24, 8} {
		t.Errorf("Expected padded shape [24 24 8], got %v", padded)
	}

	// The padded half-diagonal of the original content must fit
	half := float64(m.Shape[0]) / 2 * math.Sqrt2
	if float64(padded[0])/2 < half {
		t.Errorf("Padded half-extent %v cannot contain rotated half-diagonal %v",
			float64(padded[0])/2, half)
	}
}

// TestRadialPadMatchesTransversePad verifies both sides of the
// rotate-and-sum geometry pad by the same amount when the radial width
// equals the transverse grid width
func TestRadialPadMatchesTransversePad(t *testing.T) {
	obj, err := NewObjectMeta([3]int{16, 16, 8}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("Failed to create object meta: %v", err)
	}
	angles, radii := UniformOrbit(4, 20)
	proj, err := NewProjMeta([2]int{16, 8}, [2]float64{1, 1}, angles, radii)
	if err != nil {
		t.Fatalf("Failed to create projection meta: %v", err)
	}
	if proj.RadialPad() != obj.TransversePad() {
		t.Errorf("Radial pad %d must equal transverse pad %d for matching widths",
			proj.RadialPad(), obj.TransversePad())
	}
	if proj.RadialPad() != PadSize(16) {
		t.Errorf("Expected radial pad %d, got %d", PadSize(16), proj.RadialPad())
	}
}

// TestObjectMetaValidation verifies shape and spacing checks
func TestObjectMetaValidation(t *testing.T) {
	if _, err := NewObjectMeta([3]int{0, 4, 4}, [3]float64{1, 1, 1}); err == nil {
		t.Error("Expected error for zero-sized axis, got nil")
	}
	if _, err := NewObjectMeta([3]int{4, 4, 4}, [3]float64{1, -1, 1}); err == nil {
		t.Error("Expected error for negative spacing, got nil")
	}
}

// TestProjMetaValidation verifies the view-list invariants
func TestProjMetaValidation(t *testing.T) {
	shape := [2]int{8, 8}
	spacing := [2]float64{1, 1}

	testCases := []struct {
		name    string
		angles  []float64
		radii   []float64
		wantErr bool
	}{
		{"valid sorted", []float64{0, 90, 180, 270}, []float64{20, 20, 20, 20}, false},
		{"count mismatch", []float64{0, 90}, []float64{20}, true},
		{"unsorted", []float64{90, 0}, []float64{20, 20}, true},
		{"empty", nil, nil, true},
		{"duplicate angles allowed", []float64{0, 0, 90}, []float64{20, 25, 20}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewProjMeta(shape, spacing, tc.angles, tc.radii)
			if tc.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if m.NumProjections != len(tc.angles) {
				t.Errorf("Expected %d projections, got %d", len(tc.angles), m.NumProjections)
			}
		})
	}
}

// TestProjMetaCopiesInputs verifies the meta is immune to caller edits
func TestProjMetaCopiesInputs(t *testing.T) {
	angles := []float64{0, 90}
	radii := []float64{20, 20}
	m, err := NewProjMeta([2]int{4, 4}, [2]float64{1, 1}, angles, radii)
	if err != nil {
		t.Fatalf("Failed to create proj meta: %v", err)
	}

	angles[0] = 45
	if m.Angles[0] != 0 {
		t.Error("ProjMeta aliases the caller's angle slice")
	}
}

// TestDetectorAngle verifies the acquisition-to-detector-frame mapping
func TestDetectorAngle(t *testing.T) {
	angles, radii := UniformOrbit(4, 20)
	m, err := NewProjMeta([2]int{4, 4}, [2]float64{1, 1}, angles, radii)
	if err != nil {
		t.Fatalf("Failed to create proj meta: %v", err)
	}

	if got := m.DetectorAngleDeg(0); got != 270 {
		t.Errorf("DetectorAngleDeg(0): expected 270, got %v", got)
	}
	if got := m.DetectorAngleDeg(1); got != 180 {
		t.Errorf("DetectorAngleDeg(1): expected 180, got %v", got)
	}

	rad := m.DetectorAngleRad(2)
	if math.Abs(rad-math.Pi/2) > 1e-12 {
		t.Errorf("DetectorAngleRad(2): expected pi/2, got %v", rad)
	}
}

// TestUniformOrbit verifies the even spacing helper used by tests and
// the demo tool
func TestUniformOrbit(t *testing.T) {
	angles, radii := UniformOrbit(8, 15)
	if len(angles) != 8 || len(radii) != 8 {
		t.Fatalf("Expected 8 views, got %d angles and %d radii", len(angles), len(radii))
	}
	for i := range angles {
		expected := float64(i) * 45
		if angles[i] != expected {
			t.Errorf("Angle %d: expected %v, got %v", i, expected, angles[i])
		}
		if radii[i] != 15 {
			t.Errorf("Radius %d: expected 15, got %v", i, radii[i])
		}
	}
}

// TestCollimatorSigma verifies the parallel-hole blur model
func TestCollimatorSigma(t *testing.T) {
	// Typical low-energy collimator in cm units: 0.2 cm holes, 3 cm
	// long, lead attenuation ~23/cm, 0.35 cm intrinsic FWHM.
	sigma, err := CollimatorSigma(0.2, 3.0, 23.0, 0.35)
	if err != nil {
		t.Fatalf("Failed to build collimator model: %v", err)
	}

	// At the collimator face the geometric term reduces to the
	// intercept combined with the intrinsic blur.
	fwhm2sigma := 1 / (2 * math.Sqrt(2*math.Log(2)))
	intercept := 0.2 * fwhm2sigma
	intrinsic := 0.35 * fwhm2sigma
	expected0 := math.Sqrt(intercept*intercept + intrinsic*intrinsic)
	if got := sigma(0); math.Abs(got-expected0) > 1e-12 {
		t.Errorf("sigma(0): expected %v, got %v", expected0, got)
	}

	// Blur must grow monotonically with distance
	prev := sigma(0)
	for _, d := range []float64{5, 10, 20, 40} {
		s := sigma(d)
		if s <= prev {
			t.Errorf("sigma(%v)=%v did not grow from %v", d, s, prev)
		}
		prev = s
	}

	// Septal penetration beyond the hole length is a config error
	if _, err := CollimatorSigma(0.2, 0.05, 23.0, 0.35); err == nil {
		t.Error("Expected error for non-positive effective hole length, got nil")
	}
}

// TestNewPSFMeta verifies defaults and validation
func TestNewPSFMeta(t *testing.T) {
	meta, err := NewPSFMeta(func(d float64) float64 { return 0.1 * d }, 0)
	if err != nil {
		t.Fatalf("Failed to create PSF meta: %v", err)
	}
	if meta.MinSigmas != 3 {
		t.Errorf("Expected default MinSigmas 3, got %v", meta.MinSigmas)
	}

	if _, err := NewPSFMeta(nil, 3); err == nil {
		t.Error("Expected error for nil sigma function, got nil")
	}
	if _, err := NewPSFMeta(func(d float64) float64 { return 1 }, -1); err == nil {
		t.Error("Expected error for negative MinSigmas, got nil")
	}
}
