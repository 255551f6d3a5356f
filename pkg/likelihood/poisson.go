package likelihood

import (
	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

// Poisson is the emission-tomography likelihood for count data. Its
// gradient Ht(g / (Hf + s + delta)) - Ht 1 supplies the EM sufficient
// statistics; the ratio backprojection alone drives the classic
// multiplicative update.
type Poisson struct {
	*base
}

// NewPoisson wraps a projector with observed count projections and an
// optional additive scatter/background term. A zero delta selects the
// package default floor.
func NewPoisson(p projector.Projector, measured, additive *tensor.Projections, delta float64) (*Poisson, error) {
	b, err := newBase(p, measured, additive, delta)
	if err != nil {
		return nil, err
	}
	return &Poisson{base: b}, nil
}

// Ratio returns the back-projected measured-to-predicted ratio
// Ht(g / (Hf + s + delta)) over the subset's views.
func (l *Poisson) Ratio(obj *tensor.Volume, subset int) (*tensor.Volume, error) {
	pred, err := l.predict(obj, subset)
	if err != nil {
		return nil, err
	}
	meas, err := l.measuredSubset(subset)
	if err != nil {
		return nil, err
	}
	ratio := meas.Clone()
	ratio.RatioFloored(meas, pred, l.delta)
	return l.proj.Backward(ratio, subset)
}

// Gradient returns Ht(g / (Hf + s + delta)) - normBP over the subset's
// views.
func (l *Poisson) Gradient(obj *tensor.Volume, subset int, method NormMethod) (*tensor.Volume, error) {
	ratio, err := l.Ratio(obj, subset)
	if err != nil {
		return nil, err
	}
	norm, err := l.normBP(subset, method)
	if err != nil {
		return nil, err
	}
	addScaledBroadcast(ratio, -1, norm)
	return ratio, nil
}

var _ Likelihood = (*Poisson)(nil)

// addScaledBroadcast accumulates s*src into dst, broadcasting a
// batch-1 src across dst's batch entries.
func addScaledBroadcast(dst *tensor.Volume, s float64, src *tensor.Volume) {
	if dst.Batch == src.Batch {
		dst.AddScaled(s, src)
		return
	}
	for b := 0; b < dst.Batch; b++ {
		d := dst.BatchSlice(b)
		sv := src.BatchSlice(0)
		for i := range d {
			d[i] += s * sv[i]
		}
	}
}
