// Package likelihood wraps a system matrix together with observed
// projection data and an optional additive (scatter/background) term,
// and computes objective-function gradients with respect to the object.
// Three objectives are provided: Poisson (the EM sufficient
// statistics), plain least squares and variance-weighted least squares.
//
// Normalization factors Ht 1 are computed lazily per subset and cached;
// the cache keys on the projector's partition generation so that
// re-partitioning always forces a recomputation.
package likelihood

import (
	"fmt"

	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

// NormMethod selects how the normalization factor Ht 1 is obtained
// under subsets. The choice changes convergence behavior when subsets
// are of unequal size, so solvers thread it through every gradient
// call.
type NormMethod int

const (
	// SubsetSpecific uses the subset's own factor Hm_t 1.
	SubsetSpecific NormMethod = iota

	// AverageOfSubsets uses the full-set factor rescaled by the
	// subset's share of all views.
	AverageOfSubsets
)

// Likelihood computes objective gradients for an observed acquisition.
type Likelihood interface {
	// Gradient returns the objective's gradient with respect to the
	// object over the subset's views (projector.AllViews for all).
	Gradient(obj *tensor.Volume, subset int, method NormMethod) (*tensor.Volume, error)

	// NormalizationFactor returns Ht 1 for the subset under the given
	// method, cached until the partition changes.
	NormalizationFactor(subset int, method NormMethod) (*tensor.Volume, error)

	// SetSubsets re-partitions the underlying projector and drops the
	// normalization caches.
	SetSubsets(n int) error

	// Projector returns the wrapped system matrix.
	Projector() projector.Projector

	// Measured returns the observed projection data.
	Measured() *tensor.Projections

	// LastPredicted returns the most recent predicted projections
	// (Hf + additive term) from a Gradient call, or nil before the
	// first call. Diagnostic convenience only; never mutated by the
	// caller.
	LastPredicted() *tensor.Projections

	// Delta returns the numeric floor used in ratio denominators.
	Delta() float64
}

// base carries the state shared by every likelihood: the projector,
// the observed data, the additive term, the numeric floor and the
// generation-keyed normalization caches.
type base struct {
	proj     projector.Projector
	measured *tensor.Projections
	additive *tensor.Projections
	delta    float64

	normCache map[int]*tensor.Volume
	cacheGen  int

	lastPredicted *tensor.Projections
}

func newBase(p projector.Projector, measured, additive *tensor.Projections, delta float64) (*base, error) {
	if p == nil {
		return nil, fmt.Errorf("likelihood requires a projector")
	}
	if measured == nil {
		return nil, fmt.Errorf("likelihood requires observed projections")
	}
	pm := p.ProjMeta()
	if measured.NViews != pm.NumProjections || measured.NR != pm.Shape[0] || measured.NZ != pm.Shape[1] {
		return nil, fmt.Errorf("observed projections [%d,%d,%d] do not match acquisition (%d views, %v)",
			measured.NViews, measured.NR, measured.NZ, pm.NumProjections, pm.Shape)
	}
	if additive != nil && !additive.SameShape(measured) {
		return nil, fmt.Errorf("additive term shape [%d,%d,%d,%d] does not match projections [%d,%d,%d,%d]",
			additive.Batch, additive.NViews, additive.NR, additive.NZ,
			measured.Batch, measured.NViews, measured.NR, measured.NZ)
	}
	if delta == 0 {
		delta = tensor.DefaultDelta
	}
	return &base{
		proj:      p,
		measured:  measured,
		additive:  additive,
		delta:     delta,
		normCache: make(map[int]*tensor.Volume),
		cacheGen:  p.Generation(),
	}, nil
}

// Projector returns the wrapped system matrix.
func (b *base) Projector() projector.Projector { return b.proj }

// Measured returns the observed projection data.
func (b *base) Measured() *tensor.Projections { return b.measured }

// LastPredicted returns the most recent predicted projections.
func (b *base) LastPredicted() *tensor.Projections { return b.lastPredicted }

// Delta returns the numeric floor.
func (b *base) Delta() float64 { return b.delta }

// SetSubsets re-partitions the projector and drops the caches.
func (b *base) SetSubsets(n int) error {
	if err := b.proj.SetSubsets(n); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

func (b *base) invalidate() {
	b.normCache = make(map[int]*tensor.Volume)
	b.cacheGen = b.proj.Generation()
}

// checkGen drops stale caches after an out-of-band re-partition of the
// projector.
func (b *base) checkGen() {
	if b.cacheGen != b.proj.Generation() {
		b.invalidate()
	}
}

// normBP returns Ht 1 for the subset under the given method, from
// cache when available. Cache keys separate the two methods and the
// full-set factor.
func (b *base) normBP(subset int, method NormMethod) (*tensor.Volume, error) {
	b.checkGen()
	key := subset
	if subset != projector.AllViews && method == AverageOfSubsets {
		// Averaged factors share the full-set backprojection; key them
		// apart from the subset-specific entries.
		key = -2 - subset
	}
	if v, ok := b.normCache[key]; ok {
		return v, nil
	}

	var v *tensor.Volume
	var err error
	if subset == projector.AllViews || method == SubsetSpecific {
		v, err = b.proj.NormalizationFactor(subset)
		if err != nil {
			return nil, err
		}
	} else {
		full, ferr := b.normBP(projector.AllViews, method)
		if ferr != nil {
			return nil, ferr
		}
		w := b.proj.SubsetWeight(subset)
		if w == 0 {
			return nil, fmt.Errorf("subset index %d out of range", subset)
		}
		v = full.Clone()
		v.Scale(w)
	}
	b.normCache[key] = v
	return v, nil
}

// NormalizationFactor returns Ht 1 for the subset under the given
// method. The returned volume is shared with the cache and must not be
// mutated.
func (b *base) NormalizationFactor(subset int, method NormMethod) (*tensor.Volume, error) {
	return b.normBP(subset, method)
}

// predict computes Hf plus the additive term over the subset, storing
// the result as the last prediction.
func (b *base) predict(obj *tensor.Volume, subset int) (*tensor.Projections, error) {
	pred, err := b.proj.Forward(obj, subset)
	if err != nil {
		return nil, err
	}
	if b.additive != nil {
		add, err := b.proj.ProjectionSubset(b.additive, subset)
		if err != nil {
			return nil, err
		}
		// Batch-1 additive terms broadcast across the object batch
		if add.Batch == pred.Batch {
			pred.Add(add)
		} else if add.Batch == 1 {
			for bb := 0; bb < pred.Batch; bb++ {
				for v := 0; v < pred.NViews; v++ {
					dst := pred.ViewPlane(bb, v)
					src := add.ViewPlane(0, v)
					for i := range dst {
						dst[i] += src[i]
					}
				}
			}
		} else {
			return nil, fmt.Errorf("additive term batch %d does not match projections batch %d", add.Batch, pred.Batch)
		}
	}
	b.lastPredicted = pred
	return pred, nil
}

// measuredSubset extracts the observed views of the subset.
func (b *base) measuredSubset(subset int) (*tensor.Projections, error) {
	return b.proj.ProjectionSubset(b.measured, subset)
}
