package projector

import (
	"fmt"
	"math"

	"emtomo/pkg/metadata"
)

// RayKernel weights an object voxel's contribution to a detector pixel
// by its displacement from the projection ray. xOffset is the in-plane
// lateral offset perpendicular to the ray, yOffset the axial (z)
// offset, axialDistance the along-ray distance from the voxel to the
// detector plane. All lengths share the grid unit.
type RayKernel interface {
	// Configure validates the kernel against the object grid before
	// first use.
	Configure(obj metadata.ObjectMeta) error

	// Weight returns the kernel value for the given displacement.
	Weight(xOffset, yOffset, axialDistance float64) float64
}

// DeltaKernel is the trivial pixel-footprint kernel: a voxel
// contributes with weight 1 when its ray lands inside the pixel, zero
// otherwise. It models an ideal collimator with no blur.
type DeltaKernel struct {
	halfR float64
	halfZ float64
}

// NewDeltaKernel builds a footprint kernel for the given detector pixel
// pitch (radial, axial).
func NewDeltaKernel(pitchR, pitchZ float64) (*DeltaKernel, error) {
	if pitchR <= 0 || pitchZ <= 0 {
		return nil, fmt.Errorf("pixel pitch must be positive, got %v and %v", pitchR, pitchZ)
	}
	return &DeltaKernel{halfR: pitchR / 2, halfZ: pitchZ / 2}, nil
}

// Configure is a no-op: the footprint depends only on the pixel pitch.
func (k *DeltaKernel) Configure(obj metadata.ObjectMeta) error { return nil }

// Weight returns 1 inside the pixel footprint, 0 outside.
func (k *DeltaKernel) Weight(xOffset, yOffset, axialDistance float64) float64 {
	if math.Abs(xOffset) <= k.halfR && math.Abs(yOffset) <= k.halfZ {
		return 1
	}
	return 0
}

// GaussianKernel models distance-dependent collimator blur as a
// separable normal weight in the lateral and axial offsets, with the
// standard deviation taken from the point-spread model at the voxel's
// along-ray distance. Weights are normalized so that summing over a
// pixel grid of the configured pitch approximates unit sensitivity.
type GaussianKernel struct {
	meta   metadata.PSFMeta
	pitchR float64
	pitchZ float64
	cut    float64
}

// NewGaussianKernel builds a blur kernel from a point-spread model and
// the detector pixel pitch.
func NewGaussianKernel(meta metadata.PSFMeta, pitchR, pitchZ float64) (*GaussianKernel, error) {
	if meta.Sigma == nil {
		return nil, fmt.Errorf("point-spread model has no sigma function")
	}
	if pitchR <= 0 || pitchZ <= 0 {
		return nil, fmt.Errorf("pixel pitch must be positive, got %v and %v", pitchR, pitchZ)
	}
	cut := meta.MinSigmas
	if cut == 0 {
		cut = 3
	}
	return &GaussianKernel{meta: meta, pitchR: pitchR, pitchZ: pitchZ, cut: cut}, nil
}

// Configure validates the sigma function over the grid extent.
func (k *GaussianKernel) Configure(obj metadata.ObjectMeta) error {
	probe := float64(obj.Shape[0]) * obj.Spacing[0]
	if s := k.meta.Sigma(probe); s < 0 {
		return fmt.Errorf("sigma function returned %v at distance %v", s, probe)
	}
	return nil
}

// Weight returns the separable Gaussian weight, truncated beyond the
// configured number of standard deviations. Voxels behind the detector
// plane contribute nothing.
func (k *GaussianKernel) Weight(xOffset, yOffset, axialDistance float64) float64 {
	if axialDistance < 0 {
		return 0
	}
	sigma := k.meta.Sigma(axialDistance)
	if sigma <= 1e-12 {
		// Degenerate blur collapses to the pixel footprint
		if math.Abs(xOffset) <= k.pitchR/2 && math.Abs(yOffset) <= k.pitchZ/2 {
			return 1
		}
		return 0
	}
	if math.Abs(xOffset) > k.cut*sigma || math.Abs(yOffset) > k.cut*sigma {
		return 0
	}
	norm := k.pitchR * k.pitchZ / (2 * math.Pi * sigma * sigma)
	return norm * math.Exp(-(xOffset*xOffset+yOffset*yOffset)/(2*sigma*sigma))
}
