package reconstruction

import (
	"fmt"
	"math"

	"emtomo/pkg/likelihood"
	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

// PriorNetwork is the learned-image-prior operator consumed by the
// ADMM solver: Fit adjusts internal parameters to approximate the
// target volume and Predict returns the current approximation. Any
// implementation satisfying the pair can be plugged in.
type PriorNetwork interface {
	Fit(target *tensor.Volume) error
	Predict() (*tensor.Volume, error)
}

// DIPReconOptions configures the ADMM solver. The zero value selects
// the default penalty weight and one inner EM round per outer
// iteration.
type DIPReconOptions struct {
	// Rho is the fixed ADMM penalty weight. Zero selects the default.
	Rho float64

	// SubIt1 is the number of inner EM rounds per outer iteration.
	// Zero selects one.
	SubIt1 int

	// Callback fires after every outer iteration with NoSubset.
	Callback Callback
}

// DefaultRho is the ADMM penalty weight used when none is configured.
const DefaultRho = 3e-3

// DIPRecon couples an EM sub-solver with a learned image prior through
// ADMM. Each outer iteration alternates inner EM rounds on the primal
// variable x (blended with the network prediction via a closed-form
// quadratic update), a network fit to x plus the dual, and a dual
// ascent step.
type DIPRecon struct {
	em       *Solver
	net      PriorNetwork
	rho      float64
	subit1   int
	callback Callback

	// c is Ht1 over all views, computed once at construction
	c *tensor.Volume

	x, mu, xNet *tensor.Volume
	estimate    *tensor.Volume
}

// NewDIPRecon builds the ADMM solver around an EM sub-solver and a
// prior network. The network is fitted to the sub-solver's initial
// estimate so the primal, prediction and dual start consistent.
func NewDIPRecon(em *Solver, net PriorNetwork, opts *DIPReconOptions) (*DIPRecon, error) {
	if em == nil {
		return nil, fmt.Errorf("ADMM solver requires an EM sub-solver")
	}
	if net == nil {
		return nil, fmt.Errorf("ADMM solver requires a prior network")
	}
	if opts == nil {
		opts = &DIPReconOptions{}
	}
	rho := opts.Rho
	if rho == 0 {
		rho = DefaultRho
	}
	if rho < 0 {
		return nil, fmt.Errorf("penalty weight must be positive, got %g", rho)
	}
	subit1 := opts.SubIt1
	if subit1 == 0 {
		subit1 = 1
	}
	if subit1 < 0 {
		return nil, fmt.Errorf("inner round count must be positive, got %d", subit1)
	}

	c, err := em.Likelihood().NormalizationFactor(projector.AllViews, likelihood.SubsetSpecific)
	if err != nil {
		return nil, err
	}

	d := &DIPRecon{
		em:       em,
		net:      net,
		rho:      rho,
		subit1:   subit1,
		callback: opts.Callback,
		c:        c.Clone(),
	}

	initial := em.Estimate()
	if err := net.Fit(initial); err != nil {
		return nil, fmt.Errorf("initial network fit: %w", err)
	}
	if d.xNet, err = d.predict(); err != nil {
		return nil, err
	}
	d.x = d.xNet.Clone()
	d.mu, err = tensor.NewVolume(initial.Batch, initial.NX, initial.NY, initial.NZ)
	if err != nil {
		return nil, err
	}
	d.estimate = d.xNet.Rectified()
	return d, nil
}

// predict pulls the network's current approximation and verifies its
// shape against the object grid. A mismatch is a contract violation
// and fails loudly.
func (d *DIPRecon) predict() (*tensor.Volume, error) {
	p, err := d.net.Predict()
	if err != nil {
		return nil, fmt.Errorf("network predict: %w", err)
	}
	obj := d.em.Likelihood().Projector().ObjectMeta()
	if p == nil || p.NX != obj.Shape[0] || p.NY != obj.Shape[1] || p.NZ != obj.Shape[2] {
		if p == nil {
			return nil, fmt.Errorf("network predict returned no volume")
		}
		return nil, fmt.Errorf("network prediction [%d,%d,%d] does not match object grid %v",
			p.NX, p.NY, p.NZ, obj.Shape)
	}
	return p.Clone(), nil
}

// Dual returns a copy of the current dual variable.
func (d *DIPRecon) Dual() *tensor.Volume { return d.mu.Clone() }

// Estimate returns a copy of the current estimate.
func (d *DIPRecon) Estimate() *tensor.Volume { return d.estimate.Clone() }

// Run performs nIters outer ADMM iterations, driving the EM sub-solver
// over nSubsets ordered subsets, and returns a copy of the final
// estimate.
func (d *DIPRecon) Run(nIters, nSubsets int) (*tensor.Volume, error) {
	if nIters < 0 {
		return nil, fmt.Errorf("iteration count must be non-negative, got %d", nIters)
	}
	if nSubsets < 1 {
		return nil, fmt.Errorf("subset count must be positive, got %d", nSubsets)
	}
	for it := 0; it < nIters; it++ {
		for p := 0; p < d.subit1; p++ {
			// The sub-solver never carries raw state between steps:
			// re-seed it from the rectified primal every round
			if err := d.em.SetEstimate(d.x.Rectified()); err != nil {
				return nil, err
			}
			if err := d.em.StepSubset(nSubsets, p%nSubsets); err != nil {
				return nil, err
			}
			d.blend(d.em.Estimate())
		}

		target := d.x.Clone()
		target.Add(d.mu)
		if err := d.net.Fit(target); err != nil {
			return nil, fmt.Errorf("network fit: %w", err)
		}
		xNet, err := d.predict()
		if err != nil {
			return nil, err
		}
		d.xNet = xNet

		d.mu.Add(d.x)
		d.mu.AddScaled(-1, d.xNet)
		d.estimate = d.xNet.Rectified()

		if d.callback != nil {
			d.callback(d.estimate, it, NoSubset)
		}
	}
	return d.estimate.Clone(), nil
}

// blend merges the raw EM update into the primal variable through the
// non-negative root of the ADMM subproblem's quadratic optimality
// condition
//
//	x = (a + sqrt(a^2 + 4 xEM c/rho)) / 2,  a = xNet - mu - c/rho
//
// The positive sign before the square root keeps x >= 0. For negative
// a the equivalent form s / (2 (sqrt(a^2+s) - a)) avoids the
// cancellation that would otherwise dominate at small rho.
func (d *DIPRecon) blend(xEM *tensor.Volume) {
	for b := 0; b < d.x.Batch; b++ {
		x := d.x.BatchSlice(b)
		xn := d.xNet.BatchSlice(b)
		mu := d.mu.BatchSlice(b)
		em := xEM.BatchSlice(b)
		c := d.c.BatchSlice(0)
		for i := range x {
			t := c[i] / d.rho
			a := xn[i] - mu[i] - t
			s := 4 * em[i] * t
			if s < 0 {
				s = 0
			}
			if a >= 0 {
				x[i] = 0.5 * (a + math.Sqrt(a*a+s))
			} else if s == 0 {
				x[i] = 0
			} else {
				x[i] = s / (2 * (math.Sqrt(a*a+s) - a))
			}
		}
	}
}
