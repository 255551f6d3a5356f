// Package metadata holds the acquisition geometry consumed by the
// projection operators: the object voxel grid, the projection-image
// grid with its per-view angles and detector radii, and the
// point-spread (collimator blur) model. All records are immutable
// value types validated once at construction.
package metadata

import (
	"fmt"
	"math"
)

// ObjectMeta describes the voxel grid of a reconstructed volume.
type ObjectMeta struct {
	// Shape is the grid size (Nx, Ny, Nz) in voxels.
	Shape [3]int

	// Spacing is the physical voxel size (dx, dy, dz).
	Spacing [3]float64

	// Affine optionally carries the grid-to-world pose of the volume.
	// It is transported alongside the data for downstream consumers
	// and never enters the projection math.
	Affine *[4][4]float64
}

// NewObjectMeta validates and returns an object grid description.
func NewObjectMeta(shape [3]int, spacing [3]float64) (ObjectMeta, error) {
	for i, n := range shape {
		if n < 1 {
			return ObjectMeta{}, fmt.Errorf("object shape axis %d must be positive, got %d", i, n)
		}
	}
	for i, d := range spacing {
		if d <= 0 {
			return ObjectMeta{}, fmt.Errorf("object spacing axis %d must be positive, got %v", i, d)
		}
	}
	return ObjectMeta{Shape: shape, Spacing: spacing}, nil
}

// PadSize returns the per-side padding that keeps any in-plane rotation
// of a grid of the given width inside the padded grid.
func PadSize(width int) int {
	return int(math.Ceil((math.Sqrt2 - 1) * float64(width) / 2))
}

// TransversePad returns the per-side padding applied to the two
// transverse axes of this grid before rotation.
func (m ObjectMeta) TransversePad() int {
	w := m.Shape[0]
	if m.Shape[1] > w {
		w = m.Shape[1]
	}
	return PadSize(w)
}

// PaddedShape returns the grid shape after transverse padding. The
// axial axis is never padded.
func (m ObjectMeta) PaddedShape() [3]int {
	p := m.TransversePad()
	return [3]int{m.Shape[0] + 2*p, m.Shape[1] + 2*p, m.Shape[2]}
}

// ProjMeta describes a projection acquisition: the detector image grid
// and the ordered sequence of views.
type ProjMeta struct {
	// Shape is the projection-image size (Lr, Lz) in pixels.
	Shape [2]int

	// Spacing is the detector pixel size (dr, dz).
	Spacing [2]float64

	// Angles holds one acquisition angle in degrees per view, sorted
	// non-decreasing. Sorting (and pairing with radii) is performed by
	// the ingestion layer; the constructor only verifies it.
	Angles []float64

	// Radii holds the detector orbit radius for each view, paired with
	// Angles by index.
	Radii []float64

	// NumProjections is the total view count, len(Angles).
	NumProjections int
}

// NewProjMeta validates and returns a projection geometry description.
func NewProjMeta(shape [2]int, spacing [2]float64, angles, radii []float64) (ProjMeta, error) {
	for i, n := range shape {
		if n < 1 {
			return ProjMeta{}, fmt.Errorf("projection shape axis %d must be positive, got %d", i, n)
		}
	}
	for i, d := range spacing {
		if d <= 0 {
			return ProjMeta{}, fmt.Errorf("projection spacing axis %d must be positive, got %v", i, d)
		}
	}
	if len(angles) == 0 {
		return ProjMeta{}, fmt.Errorf("at least one view angle is required")
	}
	if len(angles) != len(radii) {
		return ProjMeta{}, fmt.Errorf("angle/radius count mismatch: %d angles, %d radii", len(angles), len(radii))
	}
	for i := 1; i < len(angles); i++ {
		if angles[i] < angles[i-1] {
			return ProjMeta{}, fmt.Errorf("view angles must be sorted non-decreasing: angle %d (%v) follows %v", i, angles[i], angles[i-1])
		}
	}
	m := ProjMeta{
		Shape:          shape,
		Spacing:        spacing,
		Angles:         append([]float64(nil), angles...),
		Radii:          append([]float64(nil), radii...),
		NumProjections: len(angles),
	}
	return m, nil
}

// DetectorAngleDeg returns the in-plane detector-frame angle of view i
// in degrees. The acquisition angle convention places the detector of
// a view with angle phi at 270-phi degrees in the object frame;
// rotating the object by the negative of this angle aligns the view's
// projection rays with the +x axis.
func (m ProjMeta) DetectorAngleDeg(i int) float64 {
	return 270 - m.Angles[i]
}

// DetectorAngleRad returns DetectorAngleDeg converted to radians.
func (m ProjMeta) DetectorAngleRad(i int) float64 {
	return m.DetectorAngleDeg(i) * math.Pi / 180
}

// RadialPad returns the per-side padding applied to the radial axis of
// projections, matching the transverse padding of a square object grid
// with the same radial width.
func (m ProjMeta) RadialPad() int {
	return PadSize(m.Shape[0])
}

// UniformOrbit builds the angle and radius lists of a circular orbit
// with n views evenly spaced over 360 degrees at a constant radius.
// The returned angles are sorted, starting at zero.
func UniformOrbit(n int, radius float64) (angles, radii []float64) {
	angles = make([]float64, n)
	radii = make([]float64, n)
	step := 360.0 / float64(n)
	for i := range angles {
		angles[i] = float64(i) * step
		radii[i] = radius
	}
	return angles, radii
}
