package phantom

import (
	"math"
	"testing"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

func testMeta(t *testing.T, size, nz int) metadata.ObjectMeta {
	t.Helper()
	obj, err := metadata.NewObjectMeta([3]int{size, size, nz}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("Failed to build object meta: %v", err)
	}
	return obj
}

// TestCylinderGeometry verifies the disc cross-section and axial
// uniformity
func TestCylinderGeometry(t *testing.T) {
	obj := testMeta(t, 16, 4)
	v, err := Cylinder(obj, 5, 2)
	if err != nil {
		t.Fatalf("Cylinder failed: %v", err)
	}

	// Center voxel inside, corner outside
	if got := v.At(0, 8, 8, 2); got != 2 {
		t.Errorf("Center voxel: expected 2, got %v", got)
	}
	if got := v.At(0, 0, 0, 0); got != 0 {
		t.Errorf("Corner voxel: expected 0, got %v", got)
	}

	// Every axial slice carries the same mass
	first := 0.0
	for z := 0; z < 4; z++ {
		s := 0.0
		for x := 0; x < 16; x++ {
			for y := 0; y < 16; y++ {
				s += v.At(0, x, y, z)
			}
		}
		if z == 0 {
			first = s
		} else if s != first {
			t.Fatalf("Slice %d mass %v differs from slice 0 mass %v", z, s, first)
		}
	}

	// Voxel count inside the disc approximates the disc area
	area := first / 2
	want := math.Pi * 25
	if math.Abs(area-want) > 0.2*want {
		t.Errorf("Disc area: expected about %v voxels, got %v", want, area)
	}

	if _, err := Cylinder(obj, 0, 1); err == nil {
		t.Error("Expected error for non-positive radius, got nil")
	}
}

// TestAddSpheres verifies hot inserts replace the background
func TestAddSpheres(t *testing.T) {
	obj := testMeta(t, 16, 8)
	v, _ := Cylinder(obj, 7, 1)
	err := AddSpheres(v, obj, []Sphere{
		{Center: [3]float64{3, 0, 0}, Radius: 1.5, Activity: 4},
		{Center: [3]float64{-3, 0, 0}, Radius: 1.5, Activity: 0},
	})
	if err != nil {
		t.Fatalf("AddSpheres failed: %v", err)
	}

	// Physical (3,0,0) is voxel (10.5, 7.5): voxel (10,7) center is
	// (2.5,0), inside the hot sphere
	if got := v.At(0, 10, 7, 4); got != 4 {
		t.Errorf("Hot sphere voxel: expected 4, got %v", got)
	}
	if got := v.At(0, 5, 7, 4); got != 0 {
		t.Errorf("Cold sphere voxel: expected 0, got %v", got)
	}
	if got := v.At(0, 8, 8, 4); got != 1 {
		t.Errorf("Background voxel: expected 1, got %v", got)
	}

	if err := AddSpheres(v, obj, []Sphere{{Radius: -1}}); err == nil {
		t.Error("Expected error for negative radius, got nil")
	}
}

// TestColdRods verifies rods are carved to zero and some background
// survives
func TestColdRods(t *testing.T) {
	obj := testMeta(t, 16, 2)
	v, _ := Cylinder(obj, 8, 3)
	before := v.Sum()
	if err := ColdRods(v, obj, 1, 4); err != nil {
		t.Fatalf("ColdRods failed: %v", err)
	}
	after := v.Sum()
	if after >= before {
		t.Errorf("Rods should remove mass: %v -> %v", before, after)
	}
	if after == 0 {
		t.Error("Rods should not consume the whole cylinder")
	}

	// A rod sits at the grid origin; physical (0,0) is between voxels,
	// voxel (8,8) center is (0.5,0.5), well inside the unit-radius rod
	if got := v.At(0, 8, 8, 0); got != 0 {
		t.Errorf("Rod center voxel: expected 0, got %v", got)
	}

	if err := ColdRods(v, obj, 0, 4); err == nil {
		t.Error("Expected error for non-positive rod radius, got nil")
	}
}

// TestApplyPoissonNoise verifies count scaling, determinism and
// integrality
func TestApplyPoissonNoise(t *testing.T) {
	proj, _ := tensor.NewProjections(1, 4, 8, 8)
	for i := range proj.Data {
		proj.Data[i] = 1 + float64(i%7)
	}
	before := proj.Clone()

	noisy, err := ApplyPoissonNoise(proj, 1e5, 42)
	if err != nil {
		t.Fatalf("ApplyPoissonNoise failed: %v", err)
	}

	// Input untouched
	for i := range proj.Data {
		if proj.Data[i] != before.Data[i] {
			t.Fatalf("Input modified at %d", i)
		}
	}

	// Counts are non-negative integers
	for i, x := range noisy.Data {
		if x < 0 || x != math.Floor(x) {
			t.Fatalf("Expected non-negative integer count, got %v at %d", x, i)
		}
	}

	// Total within 5 sigma of the requested count level
	total := noisy.Sum()
	if math.Abs(total-1e5) > 5*math.Sqrt(1e5) {
		t.Errorf("Total counts %v too far from requested 1e5", total)
	}

	// Same seed reproduces the sample, a different seed does not
	again, _ := ApplyPoissonNoise(proj, 1e5, 42)
	for i := range noisy.Data {
		if noisy.Data[i] != again.Data[i] {
			t.Fatalf("Same seed should reproduce the sample, differs at %d", i)
		}
	}
	other, _ := ApplyPoissonNoise(proj, 1e5, 43)
	same := true
	for i := range noisy.Data {
		if noisy.Data[i] != other.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different seeds should give different samples")
	}

	if _, err := ApplyPoissonNoise(nil, 1e5, 1); err == nil {
		t.Error("Expected error for nil projections, got nil")
	}
	if _, err := ApplyPoissonNoise(proj, 0, 1); err == nil {
		t.Error("Expected error for non-positive counts, got nil")
	}
}
