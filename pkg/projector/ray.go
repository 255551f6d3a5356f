package projector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// RayOptions tunes the ray-traced projector.
type RayOptions struct {
	// AttenuationMap optionally registers a volume of linear
	// attenuation coefficients on the object grid (batch 1). When set,
	// every (voxel, pixel) weight carries the photon-survival factor
	// exp(-integral of mu along the voxel-to-pixel segment).
	AttenuationMap *tensor.Volume

	// MaskByAttenuation restricts the model to voxels whose attenuation
	// coefficient exceeds AttenuationThreshold; masked voxels are
	// structurally zero in both directions. Requires AttenuationMap.
	MaskByAttenuation bool

	// AttenuationThreshold is the density cutoff for the voxel mask.
	// Zero selects 0.01.
	AttenuationThreshold float64

	// PixelMask optionally marks valid detector pixels per view
	// (batch 1, nonzero = valid); masked pixels are structurally zero.
	PixelMask *tensor.Projections

	// CacheMatrices precomputes and stores every view's weight matrix
	// at construction. Forward and backward then reduce to dense
	// matrix-vector products against the same matrix and its transpose,
	// making the adjoint exact by construction. Without caching the
	// matrices are regenerated per call with identical arithmetic.
	CacheMatrices bool
}

// Ray is the explicit line-integral system matrix. Object voxel
// centers and per-view detector pixel centers are embedded in
// continuous 3-D space; the weight of a voxel for a pixel is the
// point-spread kernel evaluated at the voxel's displacement from the
// projection ray, times the attenuation survival factor along the
// voxel-to-detector segment.
type Ray struct {
	objMeta  metadata.ObjectMeta
	projMeta metadata.ProjMeta
	kernel   RayKernel

	att       *josephIntegrator
	voxelIdx  []int   // flat indices of modeled voxels
	pixelIdx  [][]int // per view, flat indices of modeled pixels
	objPos    []r3.Vec
	cached    []*mat.Dense
	cacheable bool

	part partition
}

// NewRay validates the geometry and kernel, builds the voxel/pixel
// point sets and masks, and (optionally) precomputes every view's
// weight matrix.
func NewRay(obj metadata.ObjectMeta, proj metadata.ProjMeta, kernel RayKernel, opts *RayOptions) (*Ray, error) {
	if kernel == nil {
		return nil, fmt.Errorf("ray projector requires a point-spread kernel")
	}
	if err := kernel.Configure(obj); err != nil {
		return nil, fmt.Errorf("kernel: %v", err)
	}
	if opts == nil {
		opts = &RayOptions{}
	}

	r := &Ray{
		objMeta:  obj,
		projMeta: proj,
		kernel:   kernel,
		part:     newPartition(proj.NumProjections),
	}

	if opts.AttenuationMap != nil {
		m := opts.AttenuationMap
		if m.Batch != 1 || m.NX != obj.Shape[0] || m.NY != obj.Shape[1] || m.NZ != obj.Shape[2] {
			return nil, fmt.Errorf("attenuation map shape [%d,%d,%d,%d] does not match object grid %v",
				m.Batch, m.NX, m.NY, m.NZ, obj.Shape)
		}
		r.att = newJosephIntegrator(m, obj)
	}

	// Voxel positions and mask
	nVox := obj.Shape[0] * obj.Shape[1] * obj.Shape[2]
	r.objPos = make([]r3.Vec, nVox)
	i := 0
	for x := 0; x < obj.Shape[0]; x++ {
		for y := 0; y < obj.Shape[1]; y++ {
			for z := 0; z < obj.Shape[2]; z++ {
				r.objPos[i] = r3.Vec{
					X: (float64(x) - float64(obj.Shape[0])/2 + 0.5) * obj.Spacing[0],
					Y: (float64(y) - float64(obj.Shape[1])/2 + 0.5) * obj.Spacing[1],
					Z: (float64(z) - float64(obj.Shape[2])/2 + 0.5) * obj.Spacing[2],
				}
				i++
			}
		}
	}
	if opts.MaskByAttenuation {
		if opts.AttenuationMap == nil {
			return nil, fmt.Errorf("attenuation-based masking requires an attenuation map")
		}
		threshold := opts.AttenuationThreshold
		if threshold == 0 {
			threshold = 0.01
		}
		for j, mu := range opts.AttenuationMap.Data {
			if mu > threshold {
				r.voxelIdx = append(r.voxelIdx, j)
			}
		}
		if len(r.voxelIdx) == 0 {
			return nil, fmt.Errorf("attenuation threshold %v masks every voxel", threshold)
		}
	} else {
		r.voxelIdx = make([]int, nVox)
		for j := range r.voxelIdx {
			r.voxelIdx[j] = j
		}
	}

	// Pixel masks per view
	nPix := proj.Shape[0] * proj.Shape[1]
	r.pixelIdx = make([][]int, proj.NumProjections)
	for v := 0; v < proj.NumProjections; v++ {
		if opts.PixelMask != nil {
			pm := opts.PixelMask
			if pm.Batch != 1 || pm.NViews != proj.NumProjections || pm.NR != proj.Shape[0] || pm.NZ != proj.Shape[1] {
				return nil, fmt.Errorf("pixel mask shape [%d,%d,%d,%d] does not match acquisition", pm.Batch, pm.NViews, pm.NR, pm.NZ)
			}
			plane := pm.ViewPlane(0, v)
			for j, val := range plane {
				if val > 0 {
					r.pixelIdx[v] = append(r.pixelIdx[v], j)
				}
			}
			if len(r.pixelIdx[v]) == 0 {
				return nil, fmt.Errorf("pixel mask leaves view %d with no valid pixels", v)
			}
		} else {
			idx := make([]int, nPix)
			for j := range idx {
				idx[j] = j
			}
			r.pixelIdx[v] = idx
		}
	}

	if opts.CacheMatrices {
		r.cached = make([]*mat.Dense, proj.NumProjections)
		for v := 0; v < proj.NumProjections; v++ {
			r.cached[v] = r.viewMatrix(v)
		}
	}
	return r, nil
}

// ObjectMeta returns the reconstruction grid geometry.
func (r *Ray) ObjectMeta() metadata.ObjectMeta { return r.objMeta }

// ProjMeta returns the acquisition geometry.
func (r *Ray) ProjMeta() metadata.ProjMeta { return r.projMeta }

// SetSubsets partitions views round-robin into n subsets.
func (r *Ray) SetSubsets(n int) error { return r.part.set(n) }

// ProjectionSubset extracts the subset's views from a full stack.
func (r *Ray) ProjectionSubset(p *tensor.Projections, subset int) (*tensor.Projections, error) {
	return r.part.subsetOf(p, subset)
}

// SubsetWeight returns the subset's share of all views.
func (r *Ray) SubsetWeight(subset int) float64 { return r.part.weight(subset) }

// SubsetIndices returns a copy of the subset's view indices.
func (r *Ray) SubsetIndices(subset int) []int { return r.part.indices(subset) }

// Generation returns the partition generation counter.
func (r *Ray) Generation() int { return r.part.generation }

// pixelPositions returns the detector pixel centers of the view's
// modeled pixels: the plane at the orbit radius rotated by the
// detector-frame angle about z.
func (r *Ray) pixelPositions(view int) []r3.Vec {
	beta := r.projMeta.DetectorAngleRad(view)
	cos := math.Cos(beta)
	sin := math.Sin(beta)
	radius := r.projMeta.Radii[view]
	lr := r.projMeta.Shape[0]
	lz := r.projMeta.Shape[1]
	dr := r.projMeta.Spacing[0]
	dz := r.projMeta.Spacing[1]

	out := make([]r3.Vec, len(r.pixelIdx[view]))
	for i, flat := range r.pixelIdx[view] {
		rIdx := flat / lz
		zIdx := flat % lz
		y := (float64(rIdx) - float64(lr)/2 + 0.5) * dr
		z := (float64(zIdx) - float64(lz)/2 + 0.5) * dz
		out[i] = r3.Vec{
			X: radius*cos - y*sin,
			Y: radius*sin + y*cos,
			Z: z,
		}
	}
	return out
}

// viewMatrix builds the dense weight matrix of one view: one row per
// modeled pixel, one column per modeled voxel.
func (r *Ray) viewMatrix(view int) *mat.Dense {
	if r.cached != nil && r.cached[view] != nil {
		return r.cached[view]
	}
	beta := r.projMeta.DetectorAngleRad(view)
	cos := math.Cos(beta)
	sin := math.Sin(beta)

	pixels := r.pixelPositions(view)
	m := mat.NewDense(len(pixels), len(r.voxelIdx), nil)
	for pi, pp := range pixels {
		for vi, flat := range r.voxelIdx {
			vp := r.objPos[flat]
			dX := pp.X - vp.X
			dY := pp.Y - vp.Y
			dZ := pp.Z - vp.Z
			// Decompose the displacement in the detector frame. The
			// along component is signed: negative for voxels beyond
			// the detector plane, which the kernel rejects.
			along := dX*cos + dY*sin
			lateral := dY*cos - dX*sin
			w := r.kernel.Weight(lateral, dZ, along)
			if w == 0 {
				continue
			}
			if r.att != nil {
				w *= math.Exp(-r.att.Integrate(vp, pp))
			}
			m.Set(pi, vi, w)
		}
	}
	return m
}

func (r *Ray) checkObject(obj *tensor.Volume) error {
	if obj.NX != r.objMeta.Shape[0] || obj.NY != r.objMeta.Shape[1] || obj.NZ != r.objMeta.Shape[2] {
		return fmt.Errorf("object shape [%d,%d,%d] does not match grid %v", obj.NX, obj.NY, obj.NZ, r.objMeta.Shape)
	}
	return nil
}

// Forward applies H over the subset's views. Pixels outside the view's
// mask stay zero.
func (r *Ray) Forward(obj *tensor.Volume, subset int) (*tensor.Projections, error) {
	if err := r.checkObject(obj); err != nil {
		return nil, err
	}
	views, err := r.part.views(subset)
	if err != nil {
		return nil, err
	}
	out, err := tensor.NewProjections(obj.Batch, len(views), r.projMeta.Shape[0], r.projMeta.Shape[1])
	if err != nil {
		return nil, err
	}

	x := mat.NewVecDense(len(r.voxelIdx), nil)
	for pos, view := range views {
		m := r.viewMatrix(view)
		y := mat.NewVecDense(len(r.pixelIdx[view]), nil)
		for b := 0; b < obj.Batch; b++ {
			bs := obj.BatchSlice(b)
			for i, flat := range r.voxelIdx {
				x.SetVec(i, bs[flat])
			}
			y.MulVec(m, x)
			plane := out.ViewPlane(b, pos)
			for i, flat := range r.pixelIdx[view] {
				plane[flat] = y.AtVec(i)
			}
		}
	}
	return out, nil
}

// Backward applies the exact adjoint: the transposed weight matrices
// accumulated over the subset's views. Voxels outside the mask stay
// zero.
func (r *Ray) Backward(proj *tensor.Projections, subset int) (*tensor.Volume, error) {
	views, err := r.part.views(subset)
	if err != nil {
		return nil, err
	}
	if proj.NViews != len(views) {
		return nil, fmt.Errorf("projection stack has %d views, subset has %d", proj.NViews, len(views))
	}
	if proj.NR != r.projMeta.Shape[0] || proj.NZ != r.projMeta.Shape[1] {
		return nil, fmt.Errorf("projection plane [%d,%d] does not match geometry %v", proj.NR, proj.NZ, r.projMeta.Shape)
	}

	out, err := tensor.NewVolume(proj.Batch, r.objMeta.Shape[0], r.objMeta.Shape[1], r.objMeta.Shape[2])
	if err != nil {
		return nil, err
	}

	g := mat.NewVecDense(len(r.voxelIdx), nil)
	for pos, view := range views {
		m := r.viewMatrix(view)
		p := mat.NewVecDense(len(r.pixelIdx[view]), nil)
		for b := 0; b < proj.Batch; b++ {
			plane := proj.ViewPlane(b, pos)
			for i, flat := range r.pixelIdx[view] {
				p.SetVec(i, plane[flat])
			}
			g.MulVec(m.T(), p)
			bs := out.BatchSlice(b)
			for i, flat := range r.voxelIdx {
				bs[flat] += g.AtVec(i)
			}
		}
	}
	return out, nil
}

// NormalizationFactor returns Ht 1 over the subset's views.
func (r *Ray) NormalizationFactor(subset int) (*tensor.Volume, error) {
	views, err := r.part.views(subset)
	if err != nil {
		return nil, err
	}
	ones, err := tensor.OnesProjections(1, len(views), r.projMeta.Shape[0], r.projMeta.Shape[1])
	if err != nil {
		return nil, err
	}
	return r.Backward(ones, subset)
}

var _ Projector = (*Ray)(nil)
