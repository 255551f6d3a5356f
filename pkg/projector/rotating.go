package projector

import (
	"fmt"
	"math"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
	"emtomo/pkg/transforms"
)

// RotatingOptions tunes the rotate-and-sum projector.
type RotatingOptions struct {
	// NParallel bounds how many views are processed concurrently per
	// batch. It is a throughput knob only: results are identical for
	// any value. Zero selects 1.
	NParallel int
}

// Rotating is the separable rotate-and-sum system matrix. The forward
// operator pads the object transversely, rotates it into each view's
// detector frame, applies the object-space transform chain, sums along
// the projection axis, applies the projection-space chain and crops the
// radial padding. The backward operator runs the exact reverse with the
// exact adjoint of every piece, so the pair satisfies the adjoint
// identity to machine precision.
type Rotating struct {
	objMeta  metadata.ObjectMeta
	projMeta metadata.ProjMeta

	objChain  []transforms.Transform
	projChain []transforms.ProjTransform

	rot       *transforms.Rotation
	part      partition
	nParallel int

	padN   int // padded transverse width
	padOff int // per-side transverse padding of the object grid
	radOff int // per-side radial padding of projection planes
	nz     int
}

// NewRotating validates the geometry, configures every transform in
// both chains and returns a ready projector. The object grid must be
// square transversely and match the projection image: Nx == Ny == Lr
// and Nz == Lz.
func NewRotating(obj metadata.ObjectMeta, proj metadata.ProjMeta, objChain []transforms.Transform, projChain []transforms.ProjTransform, opts *RotatingOptions) (*Rotating, error) {
	if obj.Shape[0] != obj.Shape[1] {
		return nil, fmt.Errorf("rotate-and-sum requires a square transverse grid, got %dx%d", obj.Shape[0], obj.Shape[1])
	}
	if proj.Shape[0] != obj.Shape[1] {
		return nil, fmt.Errorf("projection radial size %d does not match transverse grid %d", proj.Shape[0], obj.Shape[1])
	}
	if proj.Shape[1] != obj.Shape[2] {
		return nil, fmt.Errorf("projection axial size %d does not match grid depth %d", proj.Shape[1], obj.Shape[2])
	}

	for i, t := range objChain {
		if err := t.Configure(obj, proj); err != nil {
			return nil, fmt.Errorf("object transform %d: %v", i, err)
		}
	}
	for i, t := range projChain {
		if err := t.Configure(obj, proj); err != nil {
			return nil, fmt.Errorf("projection transform %d: %v", i, err)
		}
	}

	padShape := obj.PaddedShape()
	rot, err := transforms.NewRotation(padShape[0])
	if err != nil {
		return nil, err
	}

	nParallel := 1
	if opts != nil && opts.NParallel > 1 {
		nParallel = opts.NParallel
	}

	return &Rotating{
		objMeta:   obj,
		projMeta:  proj,
		objChain:  objChain,
		projChain: projChain,
		rot:       rot,
		part:      newPartition(proj.NumProjections),
		nParallel: nParallel,
		padN:      padShape[0],
		padOff:    obj.TransversePad(),
		radOff:    proj.RadialPad(),
		nz:        padShape[2],
	}, nil
}

// ObjectMeta returns the reconstruction grid geometry.
func (s *Rotating) ObjectMeta() metadata.ObjectMeta { return s.objMeta }

// ProjMeta returns the acquisition geometry.
func (s *Rotating) ProjMeta() metadata.ProjMeta { return s.projMeta }

// SetSubsets partitions views round-robin into n subsets.
func (s *Rotating) SetSubsets(n int) error { return s.part.set(n) }

// ProjectionSubset extracts the subset's views from a full stack.
func (s *Rotating) ProjectionSubset(p *tensor.Projections, subset int) (*tensor.Projections, error) {
	return s.part.subsetOf(p, subset)
}

// SubsetWeight returns the subset's share of all views.
func (s *Rotating) SubsetWeight(subset int) float64 { return s.part.weight(subset) }

// SubsetIndices returns a copy of the subset's view indices.
func (s *Rotating) SubsetIndices(subset int) []int { return s.part.indices(subset) }

// Generation returns the partition generation counter.
func (s *Rotating) Generation() int { return s.part.generation }

// theta returns the gather angle aligning view v's projection rays
// with the +x axis: the negative of the detector-frame angle.
func (s *Rotating) theta(v int) float64 {
	return -s.projMeta.DetectorAngleRad(v)
}

// padObject copies the object into the center of a transversely padded
// volume.
func (s *Rotating) padObject(obj *tensor.Volume) *tensor.Volume {
	padded, _ := tensor.NewVolume(obj.Batch, s.padN, s.padN, s.nz)
	nx, ny, nz := s.objMeta.Shape[0], s.objMeta.Shape[1], s.objMeta.Shape[2]
	for b := 0; b < obj.Batch; b++ {
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				srcOff := obj.Idx(b, x, y, 0)
				dstOff := padded.Idx(b, x+s.padOff, y+s.padOff, 0)
				copy(padded.Data[dstOff:dstOff+nz], obj.Data[srcOff:srcOff+nz])
			}
		}
	}
	return padded
}

// cropObject extracts the central unpadded region.
func (s *Rotating) cropObject(padded *tensor.Volume) *tensor.Volume {
	nx, ny, nz := s.objMeta.Shape[0], s.objMeta.Shape[1], s.objMeta.Shape[2]
	out, _ := tensor.NewVolume(padded.Batch, nx, ny, nz)
	for b := 0; b < padded.Batch; b++ {
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				srcOff := padded.Idx(b, x+s.padOff, y+s.padOff, 0)
				dstOff := out.Idx(b, x, y, 0)
				copy(out.Data[dstOff:dstOff+nz], padded.Data[srcOff:srcOff+nz])
			}
		}
	}
	return out
}

func (s *Rotating) checkObject(obj *tensor.Volume) error {
	if obj.NX != s.objMeta.Shape[0] || obj.NY != s.objMeta.Shape[1] || obj.NZ != s.objMeta.Shape[2] {
		return fmt.Errorf("object shape [%d,%d,%d] does not match grid %v", obj.NX, obj.NY, obj.NZ, s.objMeta.Shape)
	}
	return nil
}

// viewResult carries one view's output through the fan-out channel.
type viewResult struct {
	pos int
	vol *tensor.Volume
	err error
}

// Forward applies H over the subset's views.
func (s *Rotating) Forward(obj *tensor.Volume, subset int) (*tensor.Projections, error) {
	if err := s.checkObject(obj); err != nil {
		return nil, err
	}
	views, err := s.part.views(subset)
	if err != nil {
		return nil, err
	}

	padded := s.padObject(obj)
	out, err := tensor.NewProjections(obj.Batch, len(views), s.projMeta.Shape[0], s.projMeta.Shape[1])
	if err != nil {
		return nil, err
	}

	// Each view writes a disjoint set of output planes, so the fan-out
	// never races and scheduling cannot change the result.
	results := make(chan viewResult)
	for start := 0; start < len(views); start += s.nParallel {
		end := start + s.nParallel
		if end > len(views) {
			end = len(views)
		}
		for pos := start; pos < end; pos++ {
			go func(pos, view int) {
				results <- viewResult{pos: pos, err: s.forwardView(padded, out, pos, view)}
			}(pos, views[pos])
		}
		for pos := start; pos < end; pos++ {
			if r := <-results; r.err != nil {
				err = r.err
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// forwardView projects one view: rotate, transform, sum along x,
// projection-space transforms, radial crop into the output stack.
func (s *Rotating) forwardView(padded *tensor.Volume, out *tensor.Projections, pos, view int) error {
	rotated, _ := tensor.NewVolume(padded.Batch, s.padN, s.padN, s.nz)
	if err := s.rot.Gather(rotated, padded, s.theta(view)); err != nil {
		return err
	}
	for _, t := range s.objChain {
		if err := t.Forward(rotated, view); err != nil {
			return err
		}
	}

	planeSize := s.padN * s.nz
	plane := make([]float64, planeSize)
	for b := 0; b < padded.Batch; b++ {
		bs := rotated.BatchSlice(b)
		for i := range plane {
			plane[i] = 0
		}
		for x := 0; x < s.padN; x++ {
			xs := bs[x*planeSize : (x+1)*planeSize]
			for i, v := range xs {
				plane[i] += v
			}
		}
		for _, t := range s.projChain {
			if err := t.Forward(plane, view); err != nil {
				return err
			}
		}
		// Crop the radial padding
		dst := out.ViewPlane(b, pos)
		for r := 0; r < s.projMeta.Shape[0]; r++ {
			srcOff := (r + s.radOff) * s.nz
			copy(dst[r*s.nz:(r+1)*s.nz], plane[srcOff:srcOff+s.nz])
		}
	}
	return nil
}

// Backward applies the exact adjoint Ht over the subset's views.
func (s *Rotating) Backward(proj *tensor.Projections, subset int) (*tensor.Volume, error) {
	views, err := s.part.views(subset)
	if err != nil {
		return nil, err
	}
	if proj.NViews != len(views) {
		return nil, fmt.Errorf("projection stack has %d views, subset has %d", proj.NViews, len(views))
	}
	if proj.NR != s.projMeta.Shape[0] || proj.NZ != s.projMeta.Shape[1] {
		return nil, fmt.Errorf("projection plane [%d,%d] does not match geometry %v", proj.NR, proj.NZ, s.projMeta.Shape)
	}

	acc, err := tensor.NewVolume(proj.Batch, s.padN, s.padN, s.nz)
	if err != nil {
		return nil, err
	}

	// Partial volumes accumulate in ascending view order after each
	// fan-out batch joins, so NParallel never changes the result.
	partials := make([]*tensor.Volume, len(views))
	results := make(chan viewResult)
	for start := 0; start < len(views); start += s.nParallel {
		end := start + s.nParallel
		if end > len(views) {
			end = len(views)
		}
		for pos := start; pos < end; pos++ {
			go func(pos, view int) {
				vol, verr := s.backwardView(proj, pos, view)
				results <- viewResult{pos: pos, vol: vol, err: verr}
			}(pos, views[pos])
		}
		for pos := start; pos < end; pos++ {
			r := <-results
			if r.err != nil {
				err = r.err
				continue
			}
			partials[r.pos] = r.vol
		}
		if err != nil {
			return nil, err
		}
		for pos := start; pos < end; pos++ {
			acc.Add(partials[pos])
			partials[pos] = nil
		}
	}
	return s.cropObject(acc), nil
}

// backwardView back-projects one view: radial pad, projection-space
// adjoints in reverse, broadcast across the x axis, object-space
// adjoints in reverse, scatter transpose of the rotation.
func (s *Rotating) backwardView(proj *tensor.Projections, pos, view int) (*tensor.Volume, error) {
	planeSize := s.padN * s.nz
	vol, _ := tensor.NewVolume(proj.Batch, s.padN, s.padN, s.nz)

	plane := make([]float64, planeSize)
	for b := 0; b < proj.Batch; b++ {
		src := proj.ViewPlane(b, pos)
		for i := range plane {
			plane[i] = 0
		}
		for r := 0; r < s.projMeta.Shape[0]; r++ {
			dstOff := (r + s.radOff) * s.nz
			copy(plane[dstOff:dstOff+s.nz], src[r*s.nz:(r+1)*s.nz])
		}
		for i := len(s.projChain) - 1; i >= 0; i-- {
			if err := s.projChain[i].Backward(plane, view); err != nil {
				return nil, err
			}
		}
		// Broadcasting across the full padded extent is the exact
		// adjoint of the full-extent x sum in forwardView.
		bs := vol.BatchSlice(b)
		for x := 0; x < s.padN; x++ {
			copy(bs[x*planeSize:(x+1)*planeSize], plane)
		}
	}

	for i := len(s.objChain) - 1; i >= 0; i-- {
		if err := s.objChain[i].Backward(vol, view); err != nil {
			return nil, err
		}
	}

	scattered, _ := tensor.NewVolume(proj.Batch, s.padN, s.padN, s.nz)
	if err := s.rot.Scatter(scattered, vol, s.theta(view)); err != nil {
		return nil, err
	}
	return scattered, nil
}

// NormalizationFactor returns Ht 1 over the subset's views.
func (s *Rotating) NormalizationFactor(subset int) (*tensor.Volume, error) {
	views, err := s.part.views(subset)
	if err != nil {
		return nil, err
	}
	ones, err := tensor.OnesProjections(1, len(views), s.projMeta.Shape[0], s.projMeta.Shape[1])
	if err != nil {
		return nil, err
	}
	return s.Backward(ones, subset)
}

// CameraPathInitial returns the all-ones initial estimate masked to
// voxels inside every view's camera path: for each view whose detector
// orbit cuts into the grid, the planes beyond the detector in that
// view's frame are zeroed and the mask is rotated back into the
// reference frame before intersecting.
func (s *Rotating) CameraPathInitial() (*tensor.Volume, error) {
	initial, err := tensor.Ones(1, s.objMeta.Shape[0], s.objMeta.Shape[1], s.objMeta.Shape[2])
	if err != nil {
		return nil, err
	}
	for v := 0; v < s.projMeta.NumProjections; v++ {
		cutoff := int(math.Ceil(float64(s.objMeta.Shape[0])/2 - s.projMeta.Radii[v]/s.objMeta.Spacing[0]))
		if cutoff <= 0 {
			continue
		}
		mask, err := tensor.Ones(1, s.objMeta.Shape[0], s.objMeta.Shape[1], s.objMeta.Shape[2])
		if err != nil {
			return nil, err
		}
		// Zero the planes nearest the detector in the view frame (high
		// x indices: the plane-to-detector distance decreases with x).
		for x := s.objMeta.Shape[0] - cutoff; x < s.objMeta.Shape[0]; x++ {
			for y := 0; y < s.objMeta.Shape[1]; y++ {
				off := mask.Idx(0, x, y, 0)
				for z := 0; z < s.objMeta.Shape[2]; z++ {
					mask.Data[off+z] = 0
				}
			}
		}
		padded := s.padObject(mask)
		rotated, _ := tensor.NewVolume(1, s.padN, s.padN, s.nz)
		// Rotate the view-frame mask back into the reference frame:
		// the inverse of the forward gather angle.
		if err := s.rot.Gather(rotated, padded, -s.theta(v)); err != nil {
			return nil, err
		}
		cropped := s.cropObject(rotated)
		// Interpolation leaves fractional edge values; keep the mask
		// binary so the intersection stays a strict indicator.
		for i, m := range cropped.Data {
			if m < 0.5 {
				cropped.Data[i] = 0
			} else {
				cropped.Data[i] = 1
			}
		}
		initial.Mul(cropped)
	}
	return initial, nil
}

var _ Projector = (*Rotating)(nil)
