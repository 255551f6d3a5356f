package reconstruction

import (
	"gonum.org/v1/gonum/stat"

	"emtomo/pkg/likelihood"
	"emtomo/pkg/tensor"
)

// NoSubset marks callback invocations without subset granularity, such
// as the ADMM solver's outer iterations.
const NoSubset = -1

// Callback receives the current estimate after every solver step. The
// estimate is for recording only and must not be mutated.
type Callback func(estimate *tensor.Volume, iteration, subset int)

// ResidualRecorder tracks the projection-space residual ||g - Hf - s||
// across solver steps, reusing the likelihood's cached prediction so no
// extra forward projection is needed.
type ResidualRecorder struct {
	lik       likelihood.Likelihood
	Residuals []float64
}

// NewResidualRecorder returns a recorder bound to the likelihood whose
// predictions it reads.
func NewResidualRecorder(lik likelihood.Likelihood) *ResidualRecorder {
	return &ResidualRecorder{lik: lik}
}

// Record is the Callback. It compares the last prediction against the
// corresponding measured views; steps without a usable prediction are
// skipped.
func (r *ResidualRecorder) Record(estimate *tensor.Volume, iteration, subset int) {
	pred := r.lik.LastPredicted()
	if pred == nil {
		return
	}
	meas := r.lik.Measured()
	if pred.NViews != meas.NViews {
		// Subset-restricted prediction: compare against the same views
		sub, err := r.lik.Projector().ProjectionSubset(meas, subset)
		if err != nil || !pred.SameShape(sub) {
			return
		}
		meas = sub
	}
	diff := meas.Clone()
	diff.Sub(pred)
	r.Residuals = append(r.Residuals, diff.Norm2())
}

// Summary returns the mean, standard deviation and final value of the
// recorded residuals. Zeros when nothing was recorded.
func (r *ResidualRecorder) Summary() (mean, std, last float64) {
	if len(r.Residuals) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(r.Residuals, nil)
	if len(r.Residuals) > 1 {
		std = stat.StdDev(r.Residuals, nil)
	}
	last = r.Residuals[len(r.Residuals)-1]
	return mean, std, last
}
