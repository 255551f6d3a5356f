// Package reconstruction implements the iterative solvers that invert
// the system matrix: the preconditioned gradient-ascent family (MLEM,
// OSEM, OSMAPOSL, BSREM), the ADMM neural-prior solver and filtered
// back projection. All iterative solvers share one update loop
//
//	f <- f + precond(f) * (dL/df - dV/df)
//
// followed by a non-negativity clamp; they differ only in the
// preconditioner. Iteration count is the only stopping rule.
package reconstruction

import (
	"fmt"
	"math"

	"emtomo/pkg/likelihood"
	"emtomo/pkg/prior"
	"emtomo/pkg/tensor"
)

// RelaxationFunc maps the outer-iteration index to a BSREM relaxation
// factor.
type RelaxationFunc func(iteration int) float64

// Options configures a gradient-ascent solver. The zero value selects
// an all-ones initial estimate, no prior, subset-specific normalization
// and the default numeric floor.
type Options struct {
	// Initial is the starting estimate, cloned at construction. Nil
	// selects an all-ones volume on the projector's grid.
	Initial *tensor.Volume

	// Prior contributes a penalty gradient to every update. Its
	// strength is rescaled by the subset weight so one full pass
	// applies the nominal strength once.
	Prior prior.Prior

	// NormMethod selects the subset normalization convention.
	NormMethod likelihood.NormMethod

	// Callback fires after every subset update.
	Callback Callback

	// Delta floors every division. Zero selects the package default.
	Delta float64
}

type solverKind int

const (
	kindOSEM solverKind = iota
	kindOSMAPOSL
	kindBSREM
)

// Solver is a preconditioned gradient-ascent reconstructor.
type Solver struct {
	lik      likelihood.Likelihood
	prior    prior.Prior
	method   likelihood.NormMethod
	callback Callback
	delta    float64

	kind  solverKind
	relax RelaxationFunc

	estimate  *tensor.Volume
	nSubsets  int
	iteration int

	// MLEM pins the subset count to one regardless of Run's argument
	singleSubset bool
}

func newSolver(lik likelihood.Likelihood, kind solverKind, opts *Options) (*Solver, error) {
	if lik == nil {
		return nil, fmt.Errorf("solver requires a likelihood")
	}
	if opts == nil {
		opts = &Options{}
	}
	obj := lik.Projector().ObjectMeta()

	var est *tensor.Volume
	if opts.Initial != nil {
		if opts.Initial.NX != obj.Shape[0] || opts.Initial.NY != obj.Shape[1] || opts.Initial.NZ != obj.Shape[2] {
			return nil, fmt.Errorf("initial estimate [%d,%d,%d] does not match object grid %v",
				opts.Initial.NX, opts.Initial.NY, opts.Initial.NZ, obj.Shape)
		}
		est = opts.Initial.Clone()
		est.ClampMin(0)
	} else {
		var err error
		est, err = tensor.Ones(1, obj.Shape[0], obj.Shape[1], obj.Shape[2])
		if err != nil {
			return nil, err
		}
	}

	delta := opts.Delta
	if delta == 0 {
		delta = tensor.DefaultDelta
	}
	return &Solver{
		lik:      lik,
		prior:    opts.Prior,
		method:   opts.NormMethod,
		callback: opts.Callback,
		delta:    delta,
		kind:     kind,
		estimate: est,
	}, nil
}

// NewOSEM returns the ordered-subset expectation-maximization solver.
// With a Poisson likelihood and no prior its update is the classic
// multiplicative f * Ht(g/Hf) / Ht1.
func NewOSEM(lik likelihood.Likelihood, opts *Options) (*Solver, error) {
	return newSolver(lik, kindOSEM, opts)
}

// NewMLEM returns OSEM pinned to a single subset.
func NewMLEM(lik likelihood.Likelihood, opts *Options) (*Solver, error) {
	s, err := newSolver(lik, kindOSEM, opts)
	if err != nil {
		return nil, err
	}
	s.singleSubset = true
	return s, nil
}

// NewOSMAPOSL returns the one-step-late MAP variant: the prior gradient
// enters both the update direction and the preconditioner denominator.
func NewOSMAPOSL(lik likelihood.Likelihood, pr prior.Prior, opts *Options) (*Solver, error) {
	if pr == nil {
		return nil, fmt.Errorf("OSMAPOSL requires a prior")
	}
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.Prior = pr
	return newSolver(lik, kindOSMAPOSL, &o)
}

// NewBSREM returns the block-sequential regularized EM solver with a
// caller-supplied relaxation sequence. Its preconditioner uses the
// full-set normalization rescaled by the subset weight, so all subsets
// share one denominator image.
func NewBSREM(lik likelihood.Likelihood, relax RelaxationFunc, opts *Options) (*Solver, error) {
	if relax == nil {
		return nil, fmt.Errorf("BSREM requires a relaxation function")
	}
	s, err := newSolver(lik, kindBSREM, opts)
	if err != nil {
		return nil, err
	}
	s.relax = relax
	return s, nil
}

// Estimate returns a copy of the current estimate.
func (s *Solver) Estimate() *tensor.Volume { return s.estimate.Clone() }

// SetEstimate replaces the current estimate with a clone of v, clamped
// non-negative.
func (s *Solver) SetEstimate(v *tensor.Volume) error {
	if !s.estimate.SameShape(v) {
		return fmt.Errorf("estimate shape mismatch: have [%d,%d,%d,%d], got [%d,%d,%d,%d]",
			s.estimate.Batch, s.estimate.NX, s.estimate.NY, s.estimate.NZ,
			v.Batch, v.NX, v.NY, v.NZ)
	}
	s.estimate = v.Clone()
	s.estimate.ClampMin(0)
	return nil
}

// Likelihood returns the wrapped data term.
func (s *Solver) Likelihood() likelihood.Likelihood { return s.lik }

func (s *Solver) ensureSubsets(n int) error {
	if s.singleSubset {
		n = 1
	}
	if n == s.nSubsets {
		return nil
	}
	if err := s.lik.SetSubsets(n); err != nil {
		return err
	}
	s.nSubsets = n
	return nil
}

// Run performs nIters full passes over nSubsets ordered subsets and
// returns a copy of the final estimate.
func (s *Solver) Run(nIters, nSubsets int) (*tensor.Volume, error) {
	if nIters < 0 {
		return nil, fmt.Errorf("iteration count must be non-negative, got %d", nIters)
	}
	if err := s.ensureSubsets(nSubsets); err != nil {
		return nil, err
	}
	for it := 0; it < nIters; it++ {
		for m := 0; m < s.nSubsets; m++ {
			if err := s.step(m); err != nil {
				return nil, err
			}
		}
		s.iteration++
	}
	return s.estimate.Clone(), nil
}

// StepSubset performs exactly one subset update, re-partitioning first
// if the subset count changed. The ADMM inner loop drives the EM
// sub-solver through this entry point.
func (s *Solver) StepSubset(nSubsets, m int) error {
	if err := s.ensureSubsets(nSubsets); err != nil {
		return err
	}
	return s.step(m)
}

// step applies one preconditioned gradient-ascent update over subset m.
func (s *Solver) step(m int) error {
	grad, err := s.lik.Gradient(s.estimate, m, s.method)
	if err != nil {
		return err
	}

	var priorGrad *tensor.Volume
	if s.prior != nil {
		s.prior.SetStrengthScale(s.lik.Projector().SubsetWeight(m))
		priorGrad, err = s.prior.Gradient(s.estimate)
		if err != nil {
			return err
		}
		grad.AddScaled(-1, priorGrad)
	}

	norm, scale, err := s.denominator(m)
	if err != nil {
		return err
	}
	s.applyUpdate(grad, norm, priorGrad, scale)
	s.estimate.ClampMin(0)

	if s.callback != nil {
		s.callback(s.estimate, s.iteration, m)
	}
	return nil
}

// denominator returns the normalization image and scalar factor of the
// solver's preconditioner.
func (s *Solver) denominator(m int) (*tensor.Volume, float64, error) {
	switch s.kind {
	case kindBSREM:
		// weight * Ht1_all is exactly the averaged subset factor
		norm, err := s.lik.NormalizationFactor(m, likelihood.AverageOfSubsets)
		if err != nil {
			return nil, 0, err
		}
		return norm, s.relax(s.iteration), nil
	default:
		norm, err := s.lik.NormalizationFactor(m, s.method)
		if err != nil {
			return nil, 0, err
		}
		return norm, 1, nil
	}
}

// applyUpdate performs f += scale * f/(norm [+ priorGrad] + delta) * grad
// in place, broadcasting the batch-1 normalization image across the
// estimate's batch entries.
func (s *Solver) applyUpdate(grad, norm, priorGrad *tensor.Volume, scale float64) {
	withPrior := s.kind == kindOSMAPOSL && priorGrad != nil
	for b := 0; b < s.estimate.Batch; b++ {
		f := s.estimate.BatchSlice(b)
		g := grad.BatchSlice(b)
		n := norm.BatchSlice(0)
		var pg []float64
		if withPrior {
			pg = priorGrad.BatchSlice(b)
		}
		for i := range f {
			den := n[i] + s.delta
			if withPrior {
				den += pg[i]
			}
			if den <= 0 {
				// One-step-late denominators can go non-positive on
				// strong priors; skip the voxel rather than ascend a
				// flipped direction
				continue
			}
			f[i] += scale * f[i] / den * g[i]
			if math.IsNaN(f[i]) || math.IsInf(f[i], 0) {
				f[i] = 0
			}
		}
	}
}
