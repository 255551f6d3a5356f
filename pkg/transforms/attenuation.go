package transforms

import (
	"fmt"
	"math"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// Attenuation weights each voxel by the probability that a photon
// emitted there survives the remaining path to the detector, computed
// from a registered attenuation-map volume of linear coefficients.
//
// The map is rotated into the view frame with the same rotation
// operator the projector uses, then the survival factor along +x is
// exp(-(mu_i/2 + sum of mu beyond i) * dx): half the emission voxel
// plus the full path toward the detector side of the grid. The factor
// is a diagonal operator in the view frame, so Backward equals
// Forward and the adjoint is exact.
type Attenuation struct {
	muMap *tensor.Volume

	padded *tensor.Volume
	rot    *Rotation
	proj   metadata.ProjMeta
	dx     float64
	planeN int
	nz     int
}

// NewAttenuation builds an attenuation transform from a map of linear
// attenuation coefficients on the unpadded object grid, batch size 1.
func NewAttenuation(muMap *tensor.Volume) *Attenuation {
	return &Attenuation{muMap: muMap}
}

// Configure validates the map against the object grid and pre-pads it.
func (a *Attenuation) Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error {
	if a.muMap == nil {
		return fmt.Errorf("attenuation map is nil")
	}
	if a.muMap.Batch != 1 {
		return fmt.Errorf("attenuation map must have batch size 1, got %d", a.muMap.Batch)
	}
	if a.muMap.NX != obj.Shape[0] || a.muMap.NY != obj.Shape[1] || a.muMap.NZ != obj.Shape[2] {
		return fmt.Errorf("attenuation map shape [%d,%d,%d] does not match object grid %v",
			a.muMap.NX, a.muMap.NY, a.muMap.NZ, obj.Shape)
	}

	padShape := obj.PaddedShape()
	if padShape[0] != padShape[1] {
		return fmt.Errorf("attenuation requires a square padded transverse grid, got %dx%d", padShape[0], padShape[1])
	}
	padded, err := tensor.NewVolume(1, padShape[0], padShape[1], padShape[2])
	if err != nil {
		return err
	}
	p := obj.TransversePad()
	for x := 0; x < obj.Shape[0]; x++ {
		for y := 0; y < obj.Shape[1]; y++ {
			srcOff := a.muMap.Idx(0, x, y, 0)
			dstOff := padded.Idx(0, x+p, y+p, 0)
			copy(padded.Data[dstOff:dstOff+obj.Shape[2]], a.muMap.Data[srcOff:srcOff+obj.Shape[2]])
		}
	}

	rot, err := NewRotation(padShape[0])
	if err != nil {
		return err
	}

	a.padded = padded
	a.rot = rot
	a.proj = proj
	a.dx = obj.Spacing[0]
	a.planeN = padShape[0]
	a.nz = padShape[2]
	return nil
}

// apply rotates the padded map into the view frame and multiplies vol
// by the per-voxel survival probability.
func (a *Attenuation) apply(vol *tensor.Volume, view int) error {
	if a.padded == nil {
		return fmt.Errorf("attenuation transform not configured")
	}
	if view < 0 || view >= a.proj.NumProjections {
		return fmt.Errorf("view index %d out of range [0,%d)", view, a.proj.NumProjections)
	}
	if vol.NX != a.planeN || vol.NY != a.planeN || vol.NZ != a.nz {
		return fmt.Errorf("attenuation expects padded shape [%d,%d,%d], got [%d,%d,%d]",
			a.planeN, a.planeN, a.nz, vol.NX, vol.NY, vol.NZ)
	}

	muRot := &tensor.Volume{
		Data:  make([]float64, len(a.padded.Data)),
		Batch: 1, NX: a.planeN, NY: a.planeN, NZ: a.nz,
	}
	theta := -a.proj.DetectorAngleRad(view)
	if err := a.rot.Gather(muRot, a.padded, theta); err != nil {
		return err
	}

	planeSize := a.planeN * a.nz
	tail := make([]float64, planeSize)
	factor := make([]float64, planeSize)

	// Walk x from the detector side down so tail always holds the
	// integral beyond the current plane.
	for x := a.planeN - 1; x >= 0; x-- {
		muPlane := muRot.Data[x*planeSize : (x+1)*planeSize]
		for j, mu := range muPlane {
			factor[j] = math.Exp(-a.dx * (mu/2 + tail[j]))
			tail[j] += mu
		}
		for b := 0; b < vol.Batch; b++ {
			volPlane := vol.BatchSlice(b)[x*planeSize : (x+1)*planeSize]
			for j := range volPlane {
				volPlane[j] *= factor[j]
			}
		}
	}
	return nil
}

// Forward applies the survival weighting for the given view.
func (a *Attenuation) Forward(vol *tensor.Volume, view int) error {
	return a.apply(vol, view)
}

// Backward applies the same weighting; the operator is diagonal.
func (a *Attenuation) Backward(vol *tensor.Volume, view int) error {
	return a.apply(vol, view)
}
