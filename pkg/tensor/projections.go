package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Projections is a batched stack of 2-D projection images, one image
// per acquisition view.
//
// Data is laid out as [batch][view][r][z] with z varying fastest:
// index = ((b*NViews+v)*NR+r)*NZ + z, where r is the radial (detector
// transverse) axis and z the axial axis. Each view plane is a
// contiguous NR*NZ block.
type Projections struct {
	// Data is the flat pixel array in row-major [b][v][r][z] order.
	Data []float64

	// Batch is the number of independent projection stacks in Data.
	Batch int

	// NViews is the number of acquisition views per stack.
	NViews int

	// NR, NZ are the radial and axial dimensions of one view plane.
	NR, NZ int
}

// NewProjections allocates a zero-filled projection stack.
func NewProjections(batch, nViews, nr, nz int) (*Projections, error) {
	if batch < 1 || nViews < 1 || nr < 1 || nz < 1 {
		return nil, fmt.Errorf("invalid projection shape [%d,%d,%d,%d]: all dimensions must be positive", batch, nViews, nr, nz)
	}
	return &Projections{
		Data:   make([]float64, batch*nViews*nr*nz),
		Batch:  batch,
		NViews: nViews,
		NR:     nr,
		NZ:     nz,
	}, nil
}

// OnesProjections allocates a projection stack with every pixel set
// to 1, the input to the adjoint when computing normalization factors.
func OnesProjections(batch, nViews, nr, nz int) (*Projections, error) {
	p, err := NewProjections(batch, nViews, nr, nz)
	if err != nil {
		return nil, err
	}
	p.Fill(1)
	return p, nil
}

// Idx returns the flat index of pixel (r,z) of view v in batch entry b.
func (p *Projections) Idx(b, v, r, z int) int {
	return ((b*p.NViews+v)*p.NR+r)*p.NZ + z
}

// At returns the pixel value at (b,v,r,z).
func (p *Projections) At(b, v, r, z int) float64 {
	return p.Data[p.Idx(b, v, r, z)]
}

// Set stores val at (b,v,r,z).
func (p *Projections) Set(b, v, r, z int, val float64) {
	p.Data[p.Idx(b, v, r, z)] = val
}

// ViewPlane returns the contiguous sub-slice holding view v of batch
// entry b.
func (p *Projections) ViewPlane(b, v int) []float64 {
	n := p.NR * p.NZ
	start := (b*p.NViews + v) * n
	return p.Data[start : start+n]
}

// Clone returns a deep copy.
func (p *Projections) Clone() *Projections {
	out := &Projections{
		Data:   make([]float64, len(p.Data)),
		Batch:  p.Batch,
		NViews: p.NViews,
		NR:     p.NR,
		NZ:     p.NZ,
	}
	copy(out.Data, p.Data)
	return out
}

// Fill sets every pixel to val.
func (p *Projections) Fill(val float64) {
	for i := range p.Data {
		p.Data[i] = val
	}
}

// SameShape reports whether the two stacks have identical dimensions.
func (p *Projections) SameShape(o *Projections) bool {
	return p.Batch == o.Batch && p.NViews == o.NViews && p.NR == o.NR && p.NZ == o.NZ
}

// Scale multiplies every pixel by s in place.
func (p *Projections) Scale(s float64) {
	floats.Scale(s, p.Data)
}

// Add accumulates o into p in place. Panics if the shapes differ,
// following the gonum/floats convention for length mismatches.
func (p *Projections) Add(o *Projections) {
	p.mustMatch(o)
	floats.Add(p.Data, o.Data)
}

// Sub subtracts o from p in place.
func (p *Projections) Sub(o *Projections) {
	p.mustMatch(o)
	floats.Sub(p.Data, o.Data)
}

// Dot returns the inner product of the two stacks viewed as flat
// vectors.
func (p *Projections) Dot(o *Projections) float64 {
	p.mustMatch(o)
	return floats.Dot(p.Data, o.Data)
}

// Sum returns the total of all pixel values.
func (p *Projections) Sum() float64 {
	return floats.Sum(p.Data)
}

// Norm2 returns the Euclidean norm of the stack viewed as a flat
// vector.
func (p *Projections) Norm2() float64 {
	return floats.Norm(p.Data, 2)
}

// SelectViews returns a new stack containing the given views of p, in
// the given order. The view indices must be in range.
func (p *Projections) SelectViews(views []int) (*Projections, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("no views selected")
	}
	out, err := NewProjections(p.Batch, len(views), p.NR, p.NZ)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v < 0 || v >= p.NViews {
			return nil, fmt.Errorf("view index %d out of range [0,%d)", v, p.NViews)
		}
	}
	for b := 0; b < p.Batch; b++ {
		for i, v := range views {
			copy(out.ViewPlane(b, i), p.ViewPlane(b, v))
		}
	}
	return out, nil
}

// RatioFloored stores num/(den+delta) elementwise into p. The floor
// keeps an underflowing denominator from producing Inf or NaN.
func (p *Projections) RatioFloored(num, den *Projections, delta float64) {
	p.mustMatch(num)
	p.mustMatch(den)
	for i := range p.Data {
		p.Data[i] = num.Data[i] / (den.Data[i] + delta)
	}
}

func (p *Projections) mustMatch(o *Projections) {
	if !p.SameShape(o) {
		panic(fmt.Sprintf("tensor: projection shape mismatch [%d,%d,%d,%d] vs [%d,%d,%d,%d]",
			p.Batch, p.NViews, p.NR, p.NZ, o.Batch, o.NViews, o.NR, o.NZ))
	}
}
