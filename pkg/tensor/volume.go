// Package tensor provides the dense array types the reconstruction
// pipeline operates on: batched 3-D object volumes and batched stacks
// of 2-D projection images. Data is stored flat in row-major order so
// that numeric kernels can run over contiguous slices, mirroring the
// layout conventions of gonum.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultDelta is the numeric floor added to denominators in
// ratio-based updates so that an underflowing prediction produces a
// large-but-finite quotient instead of Inf or NaN. Components accept
// their own floor at construction; a zero value selects this default.
const DefaultDelta = 1e-11

// Volume is a batched 3-D scalar field on a regular voxel grid.
//
// Data is laid out as [batch][x][y][z] with z varying fastest:
// index = ((b*NX+x)*NY+y)*NZ + z. Values represent non-negative
// physical density except for intermediate gradient volumes, which
// may carry either sign.
type Volume struct {
	// Data is the flat voxel array in row-major [b][x][y][z] order.
	Data []float64

	// Batch is the number of independent volumes stacked in Data.
	Batch int

	// NX, NY, NZ are the grid dimensions of a single volume.
	NX, NY, NZ int
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(batch, nx, ny, nz int) (*Volume, error) {
	if batch < 1 || nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("invalid volume shape [%d,%d,%d,%d]: all dimensions must be positive", batch, nx, ny, nz)
	}
	return &Volume{
		Data:  make([]float64, batch*nx*ny*nz),
		Batch: batch,
		NX:    nx,
		NY:    ny,
		NZ:    nz,
	}, nil
}

// Ones allocates a volume of the given shape with every voxel set to 1.
// An all-ones volume seeds iterative solvers and feeds the adjoint when
// computing normalization factors.
func Ones(batch, nx, ny, nz int) (*Volume, error) {
	v, err := NewVolume(batch, nx, ny, nz)
	if err != nil {
		return nil, err
	}
	v.Fill(1)
	return v, nil
}

// WrapVolume wraps an existing flat array as a volume without copying.
// The array length must match the shape exactly.
func WrapVolume(data []float64, batch, nx, ny, nz int) (*Volume, error) {
	if batch < 1 || nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("invalid volume shape [%d,%d,%d,%d]: all dimensions must be positive", batch, nx, ny, nz)
	}
	if len(data) != batch*nx*ny*nz {
		return nil, fmt.Errorf("data length %d does not match shape [%d,%d,%d,%d]", len(data), batch, nx, ny, nz)
	}
	return &Volume{Data: data, Batch: batch, NX: nx, NY: ny, NZ: nz}, nil
}

// Idx returns the flat index of voxel (x,y,z) in batch entry b.
func (v *Volume) Idx(b, x, y, z int) int {
	return ((b*v.NX+x)*v.NY+y)*v.NZ + z
}

// At returns the voxel value at (b,x,y,z).
func (v *Volume) At(b, x, y, z int) float64 {
	return v.Data[v.Idx(b, x, y, z)]
}

// Set stores val at (b,x,y,z).
func (v *Volume) Set(b, x, y, z int, val float64) {
	v.Data[v.Idx(b, x, y, z)] = val
}

// BatchSlice returns the contiguous sub-slice holding batch entry b.
func (v *Volume) BatchSlice(b int) []float64 {
	n := v.NX * v.NY * v.NZ
	return v.Data[b*n : (b+1)*n]
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:  make([]float64, len(v.Data)),
		Batch: v.Batch,
		NX:    v.NX,
		NY:    v.NY,
		NZ:    v.NZ,
	}
	copy(out.Data, v.Data)
	return out
}

// Fill sets every voxel to val.
func (v *Volume) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// SameShape reports whether the two volumes have identical dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Batch == o.Batch && v.NX == o.NX && v.NY == o.NY && v.NZ == o.NZ
}

// Scale multiplies every voxel by s in place.
func (v *Volume) Scale(s float64) {
	floats.Scale(s, v.Data)
}

// Add accumulates o into v in place. Panics if the shapes differ,
// following the gonum/floats convention for length mismatches.
func (v *Volume) Add(o *Volume) {
	v.mustMatch(o)
	floats.Add(v.Data, o.Data)
}

// AddScaled accumulates s*o into v in place.
func (v *Volume) AddScaled(s float64, o *Volume) {
	v.mustMatch(o)
	floats.AddScaled(v.Data, s, o.Data)
}

// Mul multiplies v elementwise by o in place.
func (v *Volume) Mul(o *Volume) {
	v.mustMatch(o)
	floats.Mul(v.Data, o.Data)
}

// Dot returns the inner product of the two volumes viewed as flat
// vectors.
func (v *Volume) Dot(o *Volume) float64 {
	v.mustMatch(o)
	return floats.Dot(v.Data, o.Data)
}

// Sum returns the total of all voxel values.
func (v *Volume) Sum() float64 {
	return floats.Sum(v.Data)
}

// Max returns the largest voxel value.
func (v *Volume) Max() float64 {
	return floats.Max(v.Data)
}

// ClampMin raises every voxel below floor up to floor. ClampMin(0) is
// the non-negativity projection applied after each solver update.
func (v *Volume) ClampMin(floor float64) {
	for i, x := range v.Data {
		if x < floor {
			v.Data[i] = floor
		}
	}
}

// Rectified returns a copy with all negative voxels set to zero.
func (v *Volume) Rectified() *Volume {
	out := v.Clone()
	out.ClampMin(0)
	return out
}

// MaxAbsDiff returns the largest absolute elementwise difference
// between the two volumes.
func (v *Volume) MaxAbsDiff(o *Volume) float64 {
	v.mustMatch(o)
	max := 0.0
	for i := range v.Data {
		d := v.Data[i] - o.Data[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}

func (v *Volume) mustMatch(o *Volume) {
	if !v.SameShape(o) {
		panic(fmt.Sprintf("tensor: volume shape mismatch [%d,%d,%d,%d] vs [%d,%d,%d,%d]",
			v.Batch, v.NX, v.NY, v.NZ, o.Batch, o.NX, o.NY, o.NZ))
	}
}
