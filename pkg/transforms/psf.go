package transforms

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// PSFBlur models collimator and detector blur as an isotropic Gaussian
// whose width grows with the distance between an object plane and the
// detector. Within a view frame each x-plane sits at a fixed distance,
// so the blur is a separable 1-D convolution along y and then z with a
// per-plane kernel.
//
// Kernels are symmetric and the convolution zero-pads outside the
// grid, which makes the operator exactly self-adjoint; Backward equals
// Forward. All kernels are precomputed per view and per plane at
// Configure, so concurrent per-view application shares only read-only
// state.
type PSFBlur struct {
	meta metadata.PSFMeta

	// kernelsY[view][xplane] and kernelsZ[view][xplane] hold the
	// normalized tap weights for each axis.
	kernelsY [][][]float64
	kernelsZ [][][]float64

	planeN int
	nz     int
}

// NewPSFBlur builds a distance-dependent blur transform from a
// point-spread model.
func NewPSFBlur(meta metadata.PSFMeta) *PSFBlur {
	return &PSFBlur{meta: meta}
}

// planeDistance returns the distance from padded x-plane i to the
// detector for a view at the given orbit radius. Index zero is the
// far side of the grid; planes past the detector clamp to zero.
func planeDistance(radius float64, nPlanes, i int, dx float64) float64 {
	var d float64
	if nPlanes%2 == 0 {
		d = radius + (float64(nPlanes)/2-float64(i)-0.5)*dx
	} else {
		d = radius + (float64(nPlanes-1)/2-float64(i))*dx
	}
	if d < 0 {
		d = 0
	}
	return d
}

// gaussianTaps builds a normalized symmetric kernel with the given
// standard deviation in pixel units, truncated at minSigmas standard
// deviations and capped at maxRadius taps per side. A vanishing sigma
// yields the identity kernel.
func gaussianTaps(sigmaPx, minSigmas float64, maxRadius int) []float64 {
	if sigmaPx <= 1e-12 {
		return []float64{1}
	}
	r := int(math.Ceil(minSigmas * sigmaPx))
	if r < 1 {
		r = 1
	}
	if r > maxRadius {
		r = maxRadius
	}
	taps := make([]float64, 2*r+1)
	for i := -r; i <= r; i++ {
		taps[i+r] = math.Exp(-float64(i*i) / (2 * sigmaPx * sigmaPx))
	}
	floats.Scale(1/floats.Sum(taps), taps)
	return taps
}

// Configure precomputes the per-view per-plane kernels.
func (p *PSFBlur) Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error {
	if p.meta.Sigma == nil {
		return fmt.Errorf("point-spread model has no sigma function")
	}
	minSigmas := p.meta.MinSigmas
	if minSigmas == 0 {
		minSigmas = 3
	}

	padShape := obj.PaddedShape()
	if padShape[0] != padShape[1] {
		return fmt.Errorf("blur requires a square padded transverse grid, got %dx%d", padShape[0], padShape[1])
	}
	n := padShape[0]
	nz := padShape[2]
	dx := obj.Spacing[0]
	dy := obj.Spacing[1]
	dz := obj.Spacing[2]

	p.kernelsY = make([][][]float64, proj.NumProjections)
	p.kernelsZ = make([][][]float64, proj.NumProjections)
	for v := 0; v < proj.NumProjections; v++ {
		ky := make([][]float64, n)
		kz := make([][]float64, n)
		for i := 0; i < n; i++ {
			d := planeDistance(proj.Radii[v], n, i, dx)
			sigma := p.meta.Sigma(d)
			if sigma < 0 {
				return fmt.Errorf("sigma function returned %v at distance %v", sigma, d)
			}
			ky[i] = gaussianTaps(sigma/dy, minSigmas, n-1)
			kz[i] = gaussianTaps(sigma/dz, minSigmas, nz-1)
		}
		p.kernelsY[v] = ky
		p.kernelsZ[v] = kz
	}

	p.planeN = n
	p.nz = nz
	return nil
}

// convolveLine convolves a strided line in place through scratch,
// zero-padding outside the line.
func convolveLine(data []float64, start, count, stride int, taps []float64, scratch []float64) {
	r := (len(taps) - 1) / 2
	for j := 0; j < count; j++ {
		acc := 0.0
		for k := -r; k <= r; k++ {
			jj := j + k
			if jj < 0 || jj >= count {
				continue
			}
			acc += taps[k+r] * data[start+jj*stride]
		}
		scratch[j] = acc
	}
	for j := 0; j < count; j++ {
		data[start+j*stride] = scratch[j]
	}
}

// apply blurs every x-plane of a padded view-frame volume with that
// plane's kernels.
func (p *PSFBlur) apply(vol *tensor.Volume, view int) error {
	if p.kernelsY == nil {
		return fmt.Errorf("blur transform not configured")
	}
	if view < 0 || view >= len(p.kernelsY) {
		return fmt.Errorf("view index %d out of range [0,%d)", view, len(p.kernelsY))
	}
	if vol.NX != p.planeN || vol.NY != p.planeN || vol.NZ != p.nz {
		return fmt.Errorf("blur expects padded shape [%d,%d,%d], got [%d,%d,%d]",
			p.planeN, p.planeN, p.nz, vol.NX, vol.NY, vol.NZ)
	}

	n := p.planeN
	nz := p.nz
	scratch := make([]float64, n)
	if nz > n {
		scratch = make([]float64, nz)
	}

	for b := 0; b < vol.Batch; b++ {
		bs := vol.BatchSlice(b)
		for x := 0; x < n; x++ {
			ky := p.kernelsY[view][x]
			kz := p.kernelsZ[view][x]
			planeOff := x * n * nz
			if len(ky) > 1 {
				for z := 0; z < nz; z++ {
					convolveLine(bs, planeOff+z, n, nz, ky, scratch)
				}
			}
			if len(kz) > 1 {
				for y := 0; y < n; y++ {
					convolveLine(bs, planeOff+y*nz, nz, 1, kz, scratch)
				}
			}
		}
	}
	return nil
}

// Forward blurs the volume with the view's distance-dependent kernels.
func (p *PSFBlur) Forward(vol *tensor.Volume, view int) error {
	return p.apply(vol, view)
}

// Backward applies the same blur; symmetric kernels make the operator
// self-adjoint.
func (p *PSFBlur) Backward(vol *tensor.Volume, view int) error {
	return p.apply(vol, view)
}
