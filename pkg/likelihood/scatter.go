package likelihood

import (
	"fmt"

	"emtomo/pkg/tensor"
)

// ScatterTEW estimates the scatter component of a photopeak
// acquisition from two narrow side windows using the triple-energy
// window method:
//
//	s = (lower/wwLower + upper/wwUpper) * wwPeak / 2
//
// where wwLower, wwUpper and wwPeak are the energy-window widths. The
// result has the shape of the side-window stacks and is suitable as
// the additive term of a likelihood.
func ScatterTEW(lower, upper *tensor.Projections, wwLower, wwUpper, wwPeak float64) (*tensor.Projections, error) {
	if lower == nil || upper == nil {
		return nil, fmt.Errorf("scatter estimate requires both side windows")
	}
	if !lower.SameShape(upper) {
		return nil, fmt.Errorf("side window shapes differ: [%d,%d,%d,%d] vs [%d,%d,%d,%d]",
			lower.Batch, lower.NViews, lower.NR, lower.NZ,
			upper.Batch, upper.NViews, upper.NR, upper.NZ)
	}
	if wwLower <= 0 || wwUpper <= 0 || wwPeak <= 0 {
		return nil, fmt.Errorf("energy window widths must be positive (got %g, %g, %g)", wwLower, wwUpper, wwPeak)
	}
	s := lower.Clone()
	s.Scale(1 / wwLower)
	up := upper.Clone()
	up.Scale(1 / wwUpper)
	s.Add(up)
	s.Scale(wwPeak / 2)
	return s, nil
}
