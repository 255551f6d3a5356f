package transforms

import (
	"fmt"
	"math"

	"emtomo/pkg/tensor"
)

// Rotation rotates volume content about the z axis, around the center
// of the transverse plane, by bilinear interpolation.
//
// Gather resamples the source at inverse-rotated coordinates and is
// the forward operation. Scatter distributes each source voxel to the
// same four neighbors with the same four weights and is the exact
// transpose of Gather: for any volumes f and g and any angle,
// dot(Gather(f), g) equals dot(f, Scatter(g)) up to rounding. The
// projection engine relies on that identity, so the adjoint path must
// always use Scatter with the angle that Gather used, never Gather
// with the negated angle, which agrees only to interpolation error.
type Rotation struct {
	// size is the transverse plane width; planes must be square so a
	// rotation maps the grid onto itself.
	size int

	// center is the rotation center in index coordinates.
	center float64
}

// NewRotation builds a rotation operator for square transverse planes
// of the given width.
func NewRotation(size int) (*Rotation, error) {
	if size < 1 {
		return nil, fmt.Errorf("rotation plane size must be positive, got %d", size)
	}
	return &Rotation{size: size, center: float64(size-1) / 2}, nil
}

// checkShapes verifies both volumes share a square transverse plane of
// the configured size.
func (r *Rotation) checkShapes(dst, src *tensor.Volume) error {
	if !dst.SameShape(src) {
		return fmt.Errorf("rotation volumes differ in shape")
	}
	if src.NX != r.size || src.NY != r.size {
		return fmt.Errorf("rotation expects %dx%d transverse planes, got %dx%d", r.size, r.size, src.NX, src.NY)
	}
	return nil
}

// sample holds the four bilinear source taps of one output voxel.
type sample struct {
	idx [4]int
	w   [4]float64
	n   int
}

// planeSamples computes the bilinear taps for every transverse output
// position of a rotation by theta. Taps falling outside the grid are
// dropped, which makes out-of-grid contributions exactly zero in both
// the gather and the scatter direction.
func (r *Rotation) planeSamples(theta float64) []sample {
	n := r.size
	c := r.center
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	samples := make([]sample, n*n)
	for xo := 0; xo < n; xo++ {
		dx := float64(xo) - c
		for yo := 0; yo < n; yo++ {
			dy := float64(yo) - c

			// Inverse-rotate the output position into the source frame.
			xs := cos*dx + sin*dy + c
			ys := -sin*dx + cos*dy + c

			x0 := int(math.Floor(xs))
			y0 := int(math.Floor(ys))
			fx := xs - float64(x0)
			fy := ys - float64(y0)

			s := &samples[xo*n+yo]
			add := func(x, y int, w float64) {
				if x < 0 || x >= n || y < 0 || y >= n || w == 0 {
					return
				}
				s.idx[s.n] = x*n + y
				s.w[s.n] = w
				s.n++
			}
			add(x0, y0, (1-fx)*(1-fy))
			add(x0+1, y0, fx*(1-fy))
			add(x0, y0+1, (1-fx)*fy)
			add(x0+1, y0+1, fx*fy)
		}
	}
	return samples
}

// Gather rotates src content by theta into dst, overwriting dst.
func (r *Rotation) Gather(dst, src *tensor.Volume, theta float64) error {
	if err := r.checkShapes(dst, src); err != nil {
		return err
	}
	samples := r.planeSamples(theta)
	nz := src.NZ

	for b := 0; b < src.Batch; b++ {
		sp := src.BatchSlice(b)
		dp := dst.BatchSlice(b)
		for pi, s := range samples {
			dstOff := pi * nz
			for z := 0; z < nz; z++ {
				acc := 0.0
				for k := 0; k < s.n; k++ {
					acc += s.w[k] * sp[s.idx[k]*nz+z]
				}
				dp[dstOff+z] = acc
			}
		}
	}
	return nil
}

// Scatter applies the exact transpose of Gather(theta) to src,
// overwriting dst.
func (r *Rotation) Scatter(dst, src *tensor.Volume, theta float64) error {
	if err := r.checkShapes(dst, src); err != nil {
		return err
	}
	samples := r.planeSamples(theta)
	nz := src.NZ

	for b := 0; b < src.Batch; b++ {
		sp := src.BatchSlice(b)
		dp := dst.BatchSlice(b)
		for i := range dp {
			dp[i] = 0
		}
		for pi, s := range samples {
			srcOff := pi * nz
			for k := 0; k < s.n; k++ {
				tapOff := s.idx[k] * nz
				w := s.w[k]
				for z := 0; z < nz; z++ {
					dp[tapOff+z] += w * sp[srcOff+z]
				}
			}
		}
	}
	return nil
}

// Size returns the transverse plane width the operator was built for.
func (r *Rotation) Size() int {
	return r.size
}
