package projector

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// josephIntegrator evaluates line integrals of a scalar map between two
// continuous 3-D points by stepping plane-by-plane along the dominant
// axis and bilinearly interpolating the two transverse coordinates at
// each crossing (Joseph's method). The map is centered on the grid:
// voxel (i,j,k) sits at origin + (i,j,k)*spacing with
// origin = -(shape/2 - 0.5)*spacing.
type josephIntegrator struct {
	mu      *tensor.Volume
	shape   [3]int
	spacing [3]float64
	origin  [3]float64
}

func newJosephIntegrator(mu *tensor.Volume, meta metadata.ObjectMeta) *josephIntegrator {
	var origin [3]float64
	for a := 0; a < 3; a++ {
		origin[a] = -(float64(meta.Shape[a])/2 - 0.5) * meta.Spacing[a]
	}
	return &josephIntegrator{mu: mu, shape: meta.Shape, spacing: meta.Spacing, origin: origin}
}

// gridCoord converts a world coordinate to a fractional voxel index on
// axis a.
func (j *josephIntegrator) gridCoord(w float64, a int) float64 {
	return (w - j.origin[a]) / j.spacing[a]
}

// sample2D bilinearly interpolates the map at fractional indices (u,v)
// on the plane normal to axis with fixed index k. Out-of-grid taps
// contribute zero.
func (j *josephIntegrator) sample2D(axis, k int, u, v float64) float64 {
	au, av := otherAxes(axis)
	u0 := int(math.Floor(u))
	v0 := int(math.Floor(v))
	fu := u - float64(u0)
	fv := v - float64(v0)

	acc := 0.0
	for du := 0; du <= 1; du++ {
		for dv := 0; dv <= 1; dv++ {
			ui := u0 + du
			vi := v0 + dv
			if ui < 0 || ui >= j.shape[au] || vi < 0 || vi >= j.shape[av] {
				continue
			}
			w := weight1D(fu, du) * weight1D(fv, dv)
			if w == 0 {
				continue
			}
			var idx [3]int
			idx[axis] = k
			idx[au] = ui
			idx[av] = vi
			acc += w * j.mu.At(0, idx[0], idx[1], idx[2])
		}
	}
	return acc
}

func weight1D(f float64, d int) float64 {
	if d == 0 {
		return 1 - f
	}
	return f
}

// otherAxes returns the two axes transverse to the given one, in
// ascending order.
func otherAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// Integrate returns the line integral of the map along the segment from
// start to end. Zero direction segments integrate to zero.
func (j *josephIntegrator) Integrate(start, end r3.Vec) float64 {
	dir := r3.Sub(end, start)
	length := r3.Norm(dir)
	if length == 0 {
		return 0
	}

	sc := [3]float64{start.X, start.Y, start.Z}
	ec := [3]float64{end.X, end.Y, end.Z}
	dc := [3]float64{dir.X, dir.Y, dir.Z}

	// Dominant axis: largest direction component in index units
	axis := 0
	best := 0.0
	for a := 0; a < 3; a++ {
		if m := math.Abs(dc[a]) / j.spacing[a]; m > best {
			best = m
			axis = a
		}
	}
	au, av := otherAxes(axis)

	g0 := j.gridCoord(sc[axis], axis)
	g1 := j.gridCoord(ec[axis], axis)
	lo, hi := g0, g1
	if lo > hi {
		lo, hi = hi, lo
	}
	kMin := int(math.Ceil(lo))
	kMax := int(math.Floor(hi))
	if kMin < 0 {
		kMin = 0
	}
	if kMax > j.shape[axis]-1 {
		kMax = j.shape[axis] - 1
	}
	if kMin > kMax {
		return 0
	}

	// Path length per unit plane spacing along the dominant axis
	step := j.spacing[axis] * length / math.Abs(dc[axis])

	total := 0.0
	for k := kMin; k <= kMax; k++ {
		// Parameter t of the crossing with plane k
		t := (float64(k) - g0) / (g1 - g0)
		u := j.gridCoord(sc[au]+t*dc[au], au)
		v := j.gridCoord(sc[av]+t*dc[av], av)
		total += j.sample2D(axis, k, u, v)
	}
	return total * step
}
