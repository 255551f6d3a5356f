package likelihood

import (
	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

// LeastSquares is the Gaussian objective: its gradient is the
// back-projected residual scale * Ht(g - Hf - s).
type LeastSquares struct {
	*base
	scale float64
}

// NewLeastSquares wraps a projector with observed projections, an
// optional additive term and a constant gradient scale. A zero scale
// selects 1.
func NewLeastSquares(p projector.Projector, measured, additive *tensor.Projections, scale, delta float64) (*LeastSquares, error) {
	b, err := newBase(p, measured, additive, delta)
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1
	}
	return &LeastSquares{base: b, scale: scale}, nil
}

// Gradient returns scale * Ht(g - Hf - s) over the subset's views.
func (l *LeastSquares) Gradient(obj *tensor.Volume, subset int, method NormMethod) (*tensor.Volume, error) {
	pred, err := l.predict(obj, subset)
	if err != nil {
		return nil, err
	}
	meas, err := l.measuredSubset(subset)
	if err != nil {
		return nil, err
	}
	resid := meas.Clone()
	resid.Sub(pred)
	grad, err := l.proj.Backward(resid, subset)
	if err != nil {
		return nil, err
	}
	if l.scale != 1 {
		grad.Scale(l.scale)
	}
	return grad, nil
}

var _ Likelihood = (*LeastSquares)(nil)

// WeightedLeastSquares is the variance-stabilized Gaussian objective:
// the residual is divided by the forward projection of an all-ones
// object (plus the numeric floor) before back-projecting. The weight
// image is cached per subset.
type WeightedLeastSquares struct {
	*base
	weights    map[int]*tensor.Projections
	weightsGen int
}

// NewWeightedLeastSquares wraps a projector with observed projections
// and an optional additive term.
func NewWeightedLeastSquares(p projector.Projector, measured, additive *tensor.Projections, delta float64) (*WeightedLeastSquares, error) {
	b, err := newBase(p, measured, additive, delta)
	if err != nil {
		return nil, err
	}
	return &WeightedLeastSquares{
		base:       b,
		weights:    make(map[int]*tensor.Projections),
		weightsGen: p.Generation(),
	}, nil
}

// normFP returns the cached forward projection of an all-ones object
// over the subset's views.
func (l *WeightedLeastSquares) normFP(subset int) (*tensor.Projections, error) {
	if l.weightsGen != l.proj.Generation() {
		l.weights = make(map[int]*tensor.Projections)
		l.weightsGen = l.proj.Generation()
	}
	if w, ok := l.weights[subset]; ok {
		return w, nil
	}
	shape := l.proj.ObjectMeta().Shape
	ones, err := tensor.Ones(1, shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	w, err := l.proj.Forward(ones, subset)
	if err != nil {
		return nil, err
	}
	l.weights[subset] = w
	return w, nil
}

// Gradient returns Ht((g - Hf - s) / (H 1 + delta)) over the subset's
// views.
func (l *WeightedLeastSquares) Gradient(obj *tensor.Volume, subset int, method NormMethod) (*tensor.Volume, error) {
	pred, err := l.predict(obj, subset)
	if err != nil {
		return nil, err
	}
	meas, err := l.measuredSubset(subset)
	if err != nil {
		return nil, err
	}
	w, err := l.normFP(subset)
	if err != nil {
		return nil, err
	}

	resid := meas.Clone()
	resid.Sub(pred)
	for b := 0; b < resid.Batch; b++ {
		for v := 0; v < resid.NViews; v++ {
			dst := resid.ViewPlane(b, v)
			wp := w.ViewPlane(0, v)
			for i := range dst {
				dst[i] /= wp[i] + l.delta
			}
		}
	}
	return l.proj.Backward(resid, subset)
}

var _ Likelihood = (*WeightedLeastSquares)(nil)
