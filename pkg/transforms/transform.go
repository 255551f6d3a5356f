// Package transforms provides the geometric and physical operators
// composed by the projection engine: in-plane rotation with an exact
// adjoint, attenuation weighting, distance-dependent point-spread
// blur, field-of-view cutoff and per-view projection scaling.
//
// Object-space transforms operate on padded volumes that have already
// been rotated into a view's detector frame; projection-space
// transforms operate on padded per-view projection planes. Every
// transform exposes a Forward and a Backward application, and the
// Backward of each is the exact adjoint of its Forward, so that any
// pipeline built from them keeps the projector's forward/adjoint pair
// consistent to machine precision. Transforms are read-only after
// Configure and safe for concurrent per-view application.
package transforms

import (
	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// Transform is an object-space operator applied inside a view's
// detector frame. Forward and Backward mutate the padded per-view
// volume in place; view selects the per-view parameters (detector
// radius, angle) where the operator depends on them.
type Transform interface {
	// Configure validates the operator against the acquisition
	// geometry and precomputes any per-view state. It is called once
	// by the composing projector before first use.
	Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error

	// Forward applies the operator to a padded view-frame volume.
	Forward(vol *tensor.Volume, view int) error

	// Backward applies the exact adjoint of Forward.
	Backward(vol *tensor.Volume, view int) error
}

// ProjTransform is a projection-space operator applied to one padded
// per-view projection plane, stored row-major as [r][z] with the
// radial axis padded by the projection meta's radial pad.
type ProjTransform interface {
	Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error
	Forward(plane []float64, view int) error
	Backward(plane []float64, view int) error
}
