package reconstruction

import (
	"fmt"
	"math"

	"emtomo/pkg/filters"
	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

// FBP reconstructs a volume by filtered back projection: filter every
// view along the radial axis, back-project over all views and apply
// the analytic scaling pi / (2 * numProjections * dr). Non-iterative
// and linear, so the output may contain negative values; callers
// wanting a density clamp it themselves.
//
// A nil filter selects the plain ramp.
func FBP(p projector.Projector, measured *tensor.Projections, f filters.Filter) (*tensor.Volume, error) {
	if p == nil {
		return nil, fmt.Errorf("FBP requires a projector")
	}
	if measured == nil {
		return nil, fmt.Errorf("FBP requires measured projections")
	}
	if f == nil {
		f = filters.Ramp{}
	}

	filtered, err := filters.FilterSinogram(measured, f)
	if err != nil {
		return nil, err
	}
	vol, err := p.Backward(filtered, projector.AllViews)
	if err != nil {
		return nil, err
	}

	pm := p.ProjMeta()
	vol.Scale(math.Pi / (2 * float64(pm.NumProjections) * pm.Spacing[0]))
	return vol, nil
}
