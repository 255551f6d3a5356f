package transforms

import (
	"fmt"

	"emtomo/pkg/metadata"
)

// ViewScale multiplies each view's projection plane by a per-view
// factor, modeling relative detector sensitivity or acquisition time
// differences between views. Diagonal in projection space, so the
// adjoint equals the forward application.
type ViewScale struct {
	factors []float64
}

// NewViewScale builds a per-view scaling transform. The factor slice
// must hold one entry per projection view.
func NewViewScale(factors []float64) *ViewScale {
	return &ViewScale{factors: append([]float64(nil), factors...)}
}

// Configure validates the factor count against the acquisition.
func (s *ViewScale) Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error {
	if len(s.factors) != proj.NumProjections {
		return fmt.Errorf("view scale has %d factors for %d projections", len(s.factors), proj.NumProjections)
	}
	for i, f := range s.factors {
		if f < 0 {
			return fmt.Errorf("view scale factor %d is negative: %v", i, f)
		}
	}
	return nil
}

func (s *ViewScale) apply(plane []float64, view int) error {
	if view < 0 || view >= len(s.factors) {
		return fmt.Errorf("view index %d out of range [0,%d)", view, len(s.factors))
	}
	f := s.factors[view]
	for i := range plane {
		plane[i] *= f
	}
	return nil
}

// Forward scales the plane by the view's factor.
func (s *ViewScale) Forward(plane []float64, view int) error {
	return s.apply(plane, view)
}

// Backward applies the same scaling; the operator is diagonal.
func (s *ViewScale) Backward(plane []float64, view int) error {
	return s.apply(plane, view)
}

var _ ProjTransform = (*ViewScale)(nil)
