// Package phantom builds synthetic test volumes on a reconstruction
// grid and simulates count statistics on projection data. The shapes
// are the usual quality-control inserts: a uniform cylinder, hot
// spheres and a cold-rod pattern.
package phantom

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// voxelCenter returns the physical (x,y,z) position of voxel (x,y,z)
// with the grid centered on the origin.
func voxelCenter(obj metadata.ObjectMeta, x, y, z int) (float64, float64, float64) {
	px := (float64(x) - float64(obj.Shape[0]-1)/2) * obj.Spacing[0]
	py := (float64(y) - float64(obj.Shape[1]-1)/2) * obj.Spacing[1]
	pz := (float64(z) - float64(obj.Shape[2]-1)/2) * obj.Spacing[2]
	return px, py, pz
}

// Cylinder returns a volume holding a uniform circular cylinder of the
// given physical radius and activity, centered on the grid and
// spanning the full axial extent.
func Cylinder(obj metadata.ObjectMeta, radius, activity float64) (*tensor.Volume, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("cylinder radius must be positive, got %g", radius)
	}
	v, err := tensor.NewVolume(1, obj.Shape[0], obj.Shape[1], obj.Shape[2])
	if err != nil {
		return nil, err
	}
	for x := 0; x < obj.Shape[0]; x++ {
		for y := 0; y < obj.Shape[1]; y++ {
			px, py, _ := voxelCenter(obj, x, y, 0)
			if px*px+py*py > radius*radius {
				continue
			}
			for z := 0; z < obj.Shape[2]; z++ {
				v.Set(0, x, y, z, activity)
			}
		}
	}
	return v, nil
}

// Sphere describes one hot (or cold) spherical insert in physical
// coordinates.
type Sphere struct {
	// Center is the physical (x,y,z) position of the sphere center.
	Center [3]float64

	// Radius is the physical radius.
	Radius float64

	// Activity is written into every voxel inside the sphere,
	// replacing the background value.
	Activity float64
}

// AddSpheres stamps the spheres into v in order; later spheres
// overwrite earlier ones where they overlap.
func AddSpheres(v *tensor.Volume, obj metadata.ObjectMeta, spheres []Sphere) error {
	for i, s := range spheres {
		if s.Radius <= 0 {
			return fmt.Errorf("sphere %d: radius must be positive, got %g", i, s.Radius)
		}
		for x := 0; x < obj.Shape[0]; x++ {
			for y := 0; y < obj.Shape[1]; y++ {
				for z := 0; z < obj.Shape[2]; z++ {
					px, py, pz := voxelCenter(obj, x, y, z)
					dx, dy, dz := px-s.Center[0], py-s.Center[1], pz-s.Center[2]
					if dx*dx+dy*dy+dz*dz <= s.Radius*s.Radius {
						for b := 0; b < v.Batch; b++ {
							v.Set(b, x, y, z, s.Activity)
						}
					}
				}
			}
		}
	}
	return nil
}

// ColdRods carves a hexagonal pattern of zero-activity rods of the
// given radius and pitch out of v, spanning the full axial extent.
func ColdRods(v *tensor.Volume, obj metadata.ObjectMeta, rodRadius, pitch float64) error {
	if rodRadius <= 0 || pitch <= 0 {
		return fmt.Errorf("rod radius and pitch must be positive, got %g and %g", rodRadius, pitch)
	}
	extent := float64(obj.Shape[0]) * obj.Spacing[0]
	r2 := rodRadius * rodRadius

	// Hexagonal rod centers around the origin: rows spaced by
	// pitch*sqrt(3)/2, odd rows offset by half a pitch
	rowPitch := pitch * math.Sqrt(3) / 2
	nRows := int(extent/2/rowPitch) + 1
	nCols := int(extent/2/pitch) + 1
	var centers [][2]float64
	for j := -nRows; j <= nRows; j++ {
		off := 0.0
		if j%2 != 0 {
			off = pitch / 2
		}
		for i := -nCols; i <= nCols; i++ {
			centers = append(centers, [2]float64{float64(i)*pitch + off, float64(j) * rowPitch})
		}
	}

	for x := 0; x < obj.Shape[0]; x++ {
		for y := 0; y < obj.Shape[1]; y++ {
			px, py, _ := voxelCenter(obj, x, y, 0)
			inRod := false
			for _, c := range centers {
				dx, dy := px-c[0], py-c[1]
				if dx*dx+dy*dy <= r2 {
					inRod = true
					break
				}
			}
			if !inRod {
				continue
			}
			for b := 0; b < v.Batch; b++ {
				for z := 0; z < obj.Shape[2]; z++ {
					v.Set(b, x, y, z, 0)
				}
			}
		}
	}
	return nil
}

// ApplyPoissonNoise rescales the projections so their total equals
// totalCounts, draws an independent Poisson sample in every pixel and
// returns the noisy stack. The input is not modified; an expectation
// that already sums to zero is returned unchanged.
func ApplyPoissonNoise(proj *tensor.Projections, totalCounts float64, seed uint64) (*tensor.Projections, error) {
	if proj == nil {
		return nil, fmt.Errorf("no projections to sample")
	}
	if totalCounts <= 0 {
		return nil, fmt.Errorf("total counts must be positive, got %g", totalCounts)
	}
	sum := proj.Sum()
	out := proj.Clone()
	if sum == 0 {
		return out, nil
	}
	out.Scale(totalCounts / sum)

	src := rand.NewSource(seed)
	for i, lambda := range out.Data {
		if lambda <= 0 {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = distuv.Poisson{Lambda: lambda, Src: src}.Rand()
	}
	return out, nil
}
