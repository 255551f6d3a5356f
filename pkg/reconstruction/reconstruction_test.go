package reconstruction

import (
	"math"
	"math/rand"
	"testing"

	"emtomo/pkg/likelihood"
	"emtomo/pkg/metadata"
	"emtomo/pkg/prior"
	"emtomo/pkg/projector"
	"emtomo/pkg/tensor"
)

func testProjector(t *testing.T, size, nz, nViews int) projector.Projector {
	t.Helper()
	obj, err := metadata.NewObjectMeta([3]int{size, size, nz}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("Failed to build object meta: %v", err)
	}
	angles, radii := metadata.UniformOrbit(nViews, float64(size)+2)
	pm, err := metadata.NewProjMeta([2]int{size, nz}, [2]float64{1, 1}, angles, radii)
	if err != nil {
		t.Fatalf("Failed to build projection meta: %v", err)
	}
	p, err := projector.NewRotating(obj, pm, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build projector: %v", err)
	}
	return p
}

func testPhantom(rng *rand.Rand, size, nz int) *tensor.Volume {
	v, _ := tensor.NewVolume(1, size, size, nz)
	for i := range v.Data {
		v.Data[i] = 0.5 + rng.Float64()
	}
	return v
}

// simulate returns a projector, noiseless measured data and the ground
// truth for a small reconstruction problem
func simulate(t *testing.T, size, nz, nViews int, seed int64) (projector.Projector, *tensor.Projections, *tensor.Volume) {
	t.Helper()
	p := testProjector(t, size, nz, nViews)
	truth := testPhantom(rand.New(rand.NewSource(seed)), size, nz)
	measured, err := p.Forward(truth, projector.AllViews)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	return p, measured, truth
}

// TestOSEMMatchesMultiplicativeUpdate verifies one OSEM step over the
// Poisson likelihood reproduces the classic f * Ht(g/Hf) / Ht1 update
func TestOSEMMatchesMultiplicativeUpdate(t *testing.T) {
	p, measured, _ := simulate(t, 4, 3, 6, 3)
	lik, err := likelihood.NewPoisson(p, measured, nil, 0)
	if err != nil {
		t.Fatalf("Failed to build likelihood: %v", err)
	}
	s, err := NewOSEM(lik, nil)
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	got, err := s.Run(1, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Reference update computed directly from the projector
	ones, _ := tensor.Ones(1, 4, 4, 3)
	pred, _ := p.Forward(ones, projector.AllViews)
	ratio := measured.Clone()
	ratio.RatioFloored(measured, pred, tensor.DefaultDelta)
	num, _ := p.Backward(ratio, projector.AllViews)
	den, _ := p.NormalizationFactor(projector.AllViews)
	want, _ := tensor.NewVolume(1, 4, 4, 3)
	for i := range want.Data {
		want.Data[i] = num.Data[i] / (den.Data[i] + tensor.DefaultDelta)
	}

	if d := want.MaxAbsDiff(got); d > 1e-9 {
		t.Errorf("OSEM step differs from multiplicative update by %v", d)
	}
}

// TestNonNegativity verifies every solver keeps the estimate
// non-negative through many iterations
func TestNonNegativity(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 6, 5)
	lik, err := likelihood.NewPoisson(p, measured, nil, 0)
	if err != nil {
		t.Fatalf("Failed to build likelihood: %v", err)
	}

	quad, _ := prior.NewQuadratic(0.05)
	relax := func(it int) float64 { return 1 / (1 + 0.1*float64(it)) }

	testCases := []struct {
		name  string
		build func() (*Solver, error)
	}{
		{"osem", func() (*Solver, error) { return NewOSEM(lik, nil) }},
		{"mlem", func() (*Solver, error) { return NewMLEM(lik, nil) }},
		{"osmaposl", func() (*Solver, error) { return NewOSMAPOSL(lik, quad, nil) }},
		{"bsrem", func() (*Solver, error) { return NewBSREM(lik, relax, nil) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := tc.build()
			if err != nil {
				t.Fatalf("Failed to build solver: %v", err)
			}
			out, err := s.Run(5, 3)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			for i, x := range out.Data {
				if x < 0 {
					t.Fatalf("Negative estimate %v at %d", x, i)
				}
			}
		})
	}
}

// TestResidualMonotonicity verifies EM iterations on noiseless
// least-squares data keep decreasing the projection residual
func TestResidualMonotonicity(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 8, 7)
	lik, err := likelihood.NewWeightedLeastSquares(p, measured, nil, 0)
	if err != nil {
		t.Fatalf("Failed to build likelihood: %v", err)
	}
	rec := NewResidualRecorder(lik)
	s, err := NewOSEM(lik, &Options{Callback: rec.Record})
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	if _, err := s.Run(6, 1); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rec.Residuals) != 6 {
		t.Fatalf("Expected 6 recorded residuals, got %d", len(rec.Residuals))
	}
	for i := 1; i < len(rec.Residuals); i++ {
		if rec.Residuals[i] > rec.Residuals[i-1]+1e-12 {
			t.Fatalf("Residual increased at step %d: %v -> %v", i, rec.Residuals[i-1], rec.Residuals[i])
		}
	}

	mean, std, last := rec.Summary()
	if mean <= 0 || std < 0 {
		t.Errorf("Summary statistics out of range: mean %v, std %v", mean, std)
	}
	if last != rec.Residuals[len(rec.Residuals)-1] {
		t.Errorf("Summary last %v differs from final residual %v", last, rec.Residuals[len(rec.Residuals)-1])
	}
}

// TestMLEMIgnoresSubsetCount verifies the MLEM alias pins a single
// subset
func TestMLEMIgnoresSubsetCount(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 6, 11)
	lik, _ := likelihood.NewPoisson(p, measured, nil, 0)
	mlem, _ := NewMLEM(lik, nil)
	a, err := mlem.Run(3, 4)
	if err != nil {
		t.Fatalf("MLEM run failed: %v", err)
	}

	p2, measured2, _ := simulate(t, 4, 2, 6, 11)
	lik2, _ := likelihood.NewPoisson(p2, measured2, nil, 0)
	osem, _ := NewOSEM(lik2, nil)
	b, err := osem.Run(3, 1)
	if err != nil {
		t.Fatalf("OSEM run failed: %v", err)
	}

	if d := a.MaxAbsDiff(b); d > 1e-14 {
		t.Errorf("MLEM differs from single-subset OSEM by %v", d)
	}
}

// TestBSREMZeroRelaxation verifies a zero relaxation factor freezes the
// estimate at its initial value
func TestBSREMZeroRelaxation(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 6, 13)
	lik, _ := likelihood.NewPoisson(p, measured, nil, 0)

	initial, _ := tensor.Ones(1, 4, 4, 2)
	initial.Scale(0.7)
	s, err := NewBSREM(lik, func(int) float64 { return 0 }, &Options{Initial: initial})
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	out, err := s.Run(3, 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d := out.MaxAbsDiff(initial); d != 0 {
		t.Errorf("Zero relaxation should freeze the estimate, drifted by %v", d)
	}
}

// TestCallbackSchedule verifies the callback fires once per subset step
// with the running iteration index
func TestCallbackSchedule(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 6, 17)
	lik, _ := likelihood.NewPoisson(p, measured, nil, 0)

	var iters, subsets []int
	cb := func(est *tensor.Volume, iteration, subset int) {
		iters = append(iters, iteration)
		subsets = append(subsets, subset)
	}
	s, err := NewOSEM(lik, &Options{Callback: cb})
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	if _, err := s.Run(2, 3); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantIters := []int{0, 0, 0, 1, 1, 1}
	wantSubs := []int{0, 1, 2, 0, 1, 2}
	if len(iters) != len(wantIters) {
		t.Fatalf("Expected %d callbacks, got %d", len(wantIters), len(iters))
	}
	for i := range wantIters {
		if iters[i] != wantIters[i] || subsets[i] != wantSubs[i] {
			t.Fatalf("Callback %d: expected (%d,%d), got (%d,%d)", i, wantIters[i], wantSubs[i], iters[i], subsets[i])
		}
	}
}

// TestSetEstimateClones verifies explicit ownership of the estimate
func TestSetEstimateClones(t *testing.T) {
	p, measured, _ := simulate(t, 4, 2, 6, 19)
	lik, _ := likelihood.NewPoisson(p, measured, nil, 0)
	s, _ := NewOSEM(lik, nil)

	seed, _ := tensor.Ones(1, 4, 4, 2)
	if err := s.SetEstimate(seed); err != nil {
		t.Fatalf("SetEstimate failed: %v", err)
	}
	seed.Fill(99)
	if got := s.Estimate(); got.Max() == 99 {
		t.Error("Solver estimate aliases the caller's buffer")
	}

	wrong, _ := tensor.Ones(1, 3, 3, 2)
	if err := s.SetEstimate(wrong); err == nil {
		t.Error("Expected error for shape mismatch, got nil")
	}
}

// identityNet echoes its fit target back from Predict, making the
// ADMM prior term a no-op
type identityNet struct {
	last *tensor.Volume
}

func (n *identityNet) Fit(target *tensor.Volume) error {
	n.last = target.Clone()
	return nil
}

func (n *identityNet) Predict() (*tensor.Volume, error) {
	return n.last.Clone(), nil
}

// wrongShapeNet violates the prediction contract
type wrongShapeNet struct{}

func (wrongShapeNet) Fit(*tensor.Volume) error { return nil }
func (wrongShapeNet) Predict() (*tensor.Volume, error) {
	v, _ := tensor.NewVolume(1, 2, 2, 2)
	return v, nil
}

func newEMSolver(t *testing.T, seed int64) (*Solver, projector.Projector, *tensor.Projections) {
	t.Helper()
	p, measured, _ := simulate(t, 4, 2, 6, seed)
	lik, err := likelihood.NewPoisson(p, measured, nil, 0)
	if err != nil {
		t.Fatalf("Failed to build likelihood: %v", err)
	}
	s, err := NewOSEM(lik, nil)
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	return s, p, measured
}

// TestDIPReconIdentityDualStaysZero verifies the identity network keeps
// the dual variable exactly zero through every outer iteration
func TestDIPReconIdentityDualStaysZero(t *testing.T) {
	em, _, _ := newEMSolver(t, 23)
	var outerCalls []int
	d, err := NewDIPRecon(em, &identityNet{}, &DIPReconOptions{
		SubIt1: 4,
		Callback: func(est *tensor.Volume, iteration, subset int) {
			if subset != NoSubset {
				t.Errorf("ADMM callback should carry NoSubset, got %d", subset)
			}
			outerCalls = append(outerCalls, iteration)
		},
	})
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}

	out, err := d.Run(3, 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outerCalls) != 3 {
		t.Errorf("Expected 3 outer callbacks, got %d", len(outerCalls))
	}

	mu := d.Dual()
	for i, x := range mu.Data {
		if x != 0 {
			t.Fatalf("Identity network must keep the dual zero, got %v at %d", x, i)
		}
	}
	for i, x := range out.Data {
		if x < 0 {
			t.Fatalf("Negative estimate %v at %d", x, i)
		}
	}
}

// TestDIPReconSmallRhoMatchesEM verifies the ADMM update collapses to
// the raw EM step as the penalty weight vanishes
func TestDIPReconSmallRhoMatchesEM(t *testing.T) {
	em, _, _ := newEMSolver(t, 29)
	d, err := NewDIPRecon(em, &identityNet{}, &DIPReconOptions{Rho: 1e-8, SubIt1: 2})
	if err != nil {
		t.Fatalf("Failed to build solver: %v", err)
	}
	got, err := d.Run(2, 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Pure EM over the same step schedule: subit1 * nIters steps
	// cycling the subsets
	ref, _, _ := newEMSolver(t, 29)
	for step := 0; step < 4; step++ {
		if err := ref.StepSubset(2, step%2); err != nil {
			t.Fatalf("Reference step failed: %v", err)
		}
	}
	want := ref.Estimate()

	scale := want.Max()
	if d := want.MaxAbsDiff(got); d > 1e-5*scale {
		t.Errorf("Small-rho ADMM differs from pure EM by %v against scale %v", d, scale)
	}
}

// TestDIPReconShapeContract verifies a mis-shaped prediction fails
// loudly
func TestDIPReconShapeContract(t *testing.T) {
	em, _, _ := newEMSolver(t, 31)
	if _, err := NewDIPRecon(em, wrongShapeNet{}, nil); err == nil {
		t.Error("Expected error for mis-shaped prediction, got nil")
	}
}

// TestFBPRecoversUniformCylinder verifies filtered back projection
// reproduces a centered uniform disc to coarse accuracy
func TestFBPRecoversUniformCylinder(t *testing.T) {
	size, nz, nViews := 16, 4, 24
	p := testProjector(t, size, nz, nViews)

	// Uniform cylinder of radius 5 at grid center
	truth, _ := tensor.NewVolume(1, size, size, nz)
	cx := float64(size-1) / 2
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			dx, dy := float64(x)-cx, float64(y)-cx
			if dx*dx+dy*dy <= 25 {
				for z := 0; z < nz; z++ {
					truth.Set(0, x, y, z, 1)
				}
			}
		}
	}

	measured, err := p.Forward(truth, projector.AllViews)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	recon, err := FBP(p, measured, nil)
	if err != nil {
		t.Fatalf("FBP failed: %v", err)
	}

	// Center of the cylinder recovers near 1, far outside near 0
	center := recon.At(0, size/2, size/2, nz/2)
	if math.Abs(center-1) > 0.35 {
		t.Errorf("Cylinder center: expected about 1, got %v", center)
	}
	corner := recon.At(0, 0, 0, nz/2)
	if math.Abs(corner) > 0.35 {
		t.Errorf("Background corner: expected about 0, got %v", corner)
	}
}

// TestFBPValidation covers the argument errors
func TestFBPValidation(t *testing.T) {
	p := testProjector(t, 4, 2, 6)
	measured, _ := tensor.NewProjections(1, 6, 4, 2)
	if _, err := FBP(nil, measured, nil); err == nil {
		t.Error("Expected error for nil projector, got nil")
	}
	if _, err := FBP(p, nil, nil); err == nil {
		t.Error("Expected error for nil projections, got nil")
	}
}
