// Package projector implements the tomographic system matrix: the
// forward operator H mapping an object volume to projection data and
// its exact adjoint Ht. Two implementations share one contract: a
// separable rotate-and-sum projector composed from geometric transform
// pipelines, and an explicit ray-traced projector built from continuous
// voxel/detector point sets with point-spread and attenuation factors.
//
// Iterative solvers depend on the forward/adjoint pair being exact:
// for any object f and projections g of compatible shape,
// <Hf, g> == <f, Ht g> up to floating-point rounding. Every operation
// here preserves that identity, including subset restriction, view
// batching and transform pipelines.
package projector

import (
	"fmt"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// AllViews selects every acquisition view in subset-aware operations.
const AllViews = -1

// Projector is the system matrix contract shared by all projection
// models.
type Projector interface {
	// ObjectMeta returns the reconstruction grid geometry.
	ObjectMeta() metadata.ObjectMeta

	// ProjMeta returns the acquisition geometry.
	ProjMeta() metadata.ProjMeta

	// Forward applies H over the given subset's views (AllViews for
	// every view). The returned stack has one view per subset entry, in
	// subset order.
	Forward(obj *tensor.Volume, subset int) (*tensor.Projections, error)

	// Backward applies the exact adjoint Ht, accumulating over the
	// subset's views.
	Backward(proj *tensor.Projections, subset int) (*tensor.Volume, error)

	// NormalizationFactor returns Ht 1 over the subset's views, the EM
	// normalization term. It must be recomputed after SetSubsets.
	NormalizationFactor(subset int) (*tensor.Volume, error)

	// SetSubsets partitions the views into n round-robin subsets over
	// the sorted angle order. Idempotent for equal n.
	SetSubsets(n int) error

	// ProjectionSubset extracts the subset's views from a full stack.
	ProjectionSubset(p *tensor.Projections, subset int) (*tensor.Projections, error)

	// SubsetWeight returns |subset views| / num_projections, 1 for
	// AllViews.
	SubsetWeight(subset int) float64

	// SubsetIndices returns the subset's view indices in order; nil for
	// AllViews.
	SubsetIndices(subset int) []int

	// Generation increments on every re-partitioning; downstream
	// normalization caches key on it.
	Generation() int
}

// partition holds the round-robin subset assignment shared by the
// projector implementations.
type partition struct {
	nViews     int
	subsets    [][]int
	generation int
}

func newPartition(nViews int) partition {
	return partition{nViews: nViews}
}

// set partitions view indices by stride: view v lands in subset
// v mod n. The view list is already sorted by angle (enforced by
// ProjMeta), so the stride spreads each subset evenly over the orbit.
func (p *partition) set(n int) error {
	if n < 1 {
		return fmt.Errorf("subset count must be positive, got %d", n)
	}
	if n > p.nViews {
		return fmt.Errorf("cannot partition %d views into %d subsets", p.nViews, n)
	}
	subsets := make([][]int, n)
	for v := 0; v < p.nViews; v++ {
		m := v % n
		subsets[m] = append(subsets[m], v)
	}
	p.subsets = subsets
	p.generation++
	return nil
}

// views resolves a subset index to its view list. AllViews returns all
// view indices in acquisition order.
func (p *partition) views(subset int) ([]int, error) {
	if subset == AllViews {
		all := make([]int, p.nViews)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	if p.subsets == nil {
		return nil, fmt.Errorf("subset %d requested before SetSubsets", subset)
	}
	if subset < 0 || subset >= len(p.subsets) {
		return nil, fmt.Errorf("subset index %d out of range [0,%d)", subset, len(p.subsets))
	}
	return p.subsets[subset], nil
}

func (p *partition) weight(subset int) float64 {
	if subset == AllViews || p.subsets == nil {
		return 1
	}
	if subset < 0 || subset >= len(p.subsets) {
		return 0
	}
	return float64(len(p.subsets[subset])) / float64(p.nViews)
}

func (p *partition) indices(subset int) []int {
	if subset == AllViews || p.subsets == nil || subset < 0 || subset >= len(p.subsets) {
		return nil
	}
	out := make([]int, len(p.subsets[subset]))
	copy(out, p.subsets[subset])
	return out
}

// subsetOf extracts the subset's views from a full projection stack.
func (p *partition) subsetOf(proj *tensor.Projections, subset int) (*tensor.Projections, error) {
	if subset == AllViews {
		return proj.Clone(), nil
	}
	views, err := p.views(subset)
	if err != nil {
		return nil, err
	}
	if proj.NViews != p.nViews {
		return nil, fmt.Errorf("projection stack has %d views, acquisition has %d", proj.NViews, p.nViews)
	}
	return proj.SelectViews(views)
}
