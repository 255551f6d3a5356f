package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"emtomo/internal/imaging"
	"emtomo/pkg/config"
	"emtomo/pkg/filters"
	"emtomo/pkg/likelihood"
	"emtomo/pkg/metadata"
	"emtomo/pkg/phantom"
	"emtomo/pkg/prior"
	"emtomo/pkg/projector"
	"emtomo/pkg/reconstruction"
	"emtomo/pkg/tensor"
	"emtomo/pkg/transforms"
)

// Scatter fraction and side-window parameters for the triple-energy
// window simulation, loosely modeling a Tc-99m photopeak setup. The
// side-window fractions are chosen so the TEW combination
// (lower/wL + upper/wU) * wP/2 recovers the scatter expectation.
const (
	scatterFraction  = 0.30
	tewLowerFraction = 0.06
	tewUpperFraction = 0.0257
	tewSideWidth     = 4.0
	tewPeakWidth     = 28.0
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "emtomo.yaml", "Path to YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	algorithm := flag.String("algorithm", "", "Override the configured algorithm (osem, mlem, osmaposl, bsrem, diprecon, fbp)")
	iterations := flag.Int("iterations", 0, "Override the configured iteration count")
	outputDir := flag.String("output", "", "Override the configured output directory")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *algorithm != "" {
		cfg.Reconstruction.Algorithm = *algorithm
	}
	if *iterations > 0 {
		cfg.Reconstruction.Iterations = *iterations
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("EMISSION TOMOGRAPHY RECONSTRUCTION")
	fmt.Println("Rotate-and-sum system matrix with iterative and analytic solvers")
	fmt.Println("================================")

	startTime := time.Now()
	if err := run(cfg); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	fmt.Printf("\nPipeline completed in %.2f seconds\n", time.Since(startTime).Seconds())
}

func run(cfg *config.Config) error {
	// Step 1: Build the acquisition geometry
	fmt.Println("\n1. Building acquisition geometry...")
	size, nz := cfg.Geometry.GridSize, cfg.Geometry.AxialSize
	dx := cfg.Geometry.VoxelSize
	obj, err := metadata.NewObjectMeta([3]int{size, size, nz}, [3]float64{dx, dx, dx})
	if err != nil {
		return err
	}
	angles, radii := metadata.UniformOrbit(cfg.Geometry.NumViews, cfg.Geometry.OrbitRadius)
	proj, err := metadata.NewProjMeta([2]int{size, nz}, [2]float64{dx, dx}, angles, radii)
	if err != nil {
		return err
	}
	fmt.Printf("   Grid %dx%dx%d at %.2f cm, %d views at radius %.1f cm\n",
		size, size, nz, dx, cfg.Geometry.NumViews, cfg.Geometry.OrbitRadius)

	// Step 2: Build the phantom and its attenuation map
	fmt.Println("2. Building phantom...")
	truth, err := phantom.Cylinder(obj, cfg.Simulation.PhantomRadius, 1)
	if err != nil {
		return err
	}
	r := cfg.Simulation.PhantomRadius
	err = phantom.AddSpheres(truth, obj, []phantom.Sphere{
		{Center: [3]float64{r / 2, 0, 0}, Radius: r / 5, Activity: 4},
		{Center: [3]float64{-r / 2, 0, 0}, Radius: r / 5, Activity: 0},
		{Center: [3]float64{0, r / 2, 0}, Radius: r / 6, Activity: 2.5},
	})
	if err != nil {
		return err
	}

	var objChain []transforms.Transform
	if cfg.Simulation.Attenuation > 0 {
		muMap, err := phantom.Cylinder(obj, cfg.Simulation.PhantomRadius, cfg.Simulation.Attenuation)
		if err != nil {
			return err
		}
		objChain = append(objChain, transforms.NewAttenuation(muMap))
	}
	sigma, err := metadata.CollimatorSigma(cfg.Collimator.HoleDiameter, cfg.Collimator.HoleLength,
		cfg.Collimator.SeptalMu, cfg.Collimator.IntrinsicFWHM)
	if err != nil {
		return err
	}
	psf, err := metadata.NewPSFMeta(sigma, cfg.Collimator.MinSigmas)
	if err != nil {
		return err
	}
	objChain = append(objChain, transforms.NewPSFBlur(psf))

	// Step 3: Build the system matrix
	fmt.Println("3. Building system matrix...")
	sysMatrix, err := projector.NewRotating(obj, proj, objChain, nil,
		&projector.RotatingOptions{NParallel: cfg.Reconstruction.NumWorkers})
	if err != nil {
		return err
	}

	// Step 4: Simulate the acquisition
	fmt.Println("4. Simulating acquisition...")
	clean, err := sysMatrix.Forward(truth, projector.AllViews)
	if err != nil {
		return err
	}
	measured := clean.Clone()
	var additive *tensor.Projections
	if cfg.Simulation.TotalCounts > 0 {
		// Photopeak expectation carries the primary plus scatter;
		// counts are scaled so the primary alone carries TotalCounts
		expectation := clean.Clone()
		expectation.Scale(1 + scatterFraction)
		measured, err = phantom.ApplyPoissonNoise(expectation, (1+scatterFraction)*cfg.Simulation.TotalCounts, cfg.Simulation.Seed)
		if err != nil {
			return err
		}
		additive, err = simulateTEW(clean, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("   %.0f total counts, TEW scatter estimate attached\n", measured.Sum())
	} else {
		fmt.Println("   Noiseless projections")
	}

	// Step 5: Reconstruct
	fmt.Printf("5. Reconstructing with %s...\n", cfg.Reconstruction.Algorithm)
	recon, residuals, err := reconstruct(cfg, sysMatrix, measured, additive)
	if err != nil {
		return err
	}
	if cfg.Simulation.TotalCounts > 0 {
		// Undo the count scaling so the estimate is in activity units
		recon.Scale(clean.Sum() / cfg.Simulation.TotalCounts)
	}

	// Step 6: Report quality metrics against the phantom
	fmt.Println("6. Quality metrics vs. phantom:")
	reportMetrics(truth, recon)

	// Step 7: Write outputs
	fmt.Println("7. Writing outputs...")
	if err := writeOutputs(cfg, truth, recon, residuals); err != nil {
		return err
	}
	return nil
}

// simulateTEW fabricates the two narrow side windows as fixed fractions
// of the photopeak expectation, samples counts in each and returns the
// triple-energy-window scatter estimate.
func simulateTEW(clean *tensor.Projections, cfg *config.Config) (*tensor.Projections, error) {
	lowerExp := clean.Clone()
	lowerExp.Scale(tewLowerFraction)
	upperExp := clean.Clone()
	upperExp.Scale(tewUpperFraction)

	lower, err := phantom.ApplyPoissonNoise(lowerExp, tewLowerFraction*cfg.Simulation.TotalCounts, cfg.Simulation.Seed+1)
	if err != nil {
		return nil, err
	}
	upper, err := phantom.ApplyPoissonNoise(upperExp, tewUpperFraction*cfg.Simulation.TotalCounts, cfg.Simulation.Seed+2)
	if err != nil {
		return nil, err
	}
	return likelihood.ScatterTEW(lower, upper, tewSideWidth, tewSideWidth, tewPeakWidth)
}

// smoothingNet is a stand-in for a learned image prior: Fit stores the
// target and Predict returns it smoothed by a separable 3-tap kernel.
type smoothingNet struct {
	target *tensor.Volume
}

func (n *smoothingNet) Fit(target *tensor.Volume) error {
	n.target = target.Clone()
	return nil
}

func (n *smoothingNet) Predict() (*tensor.Volume, error) {
	if n.target == nil {
		return nil, fmt.Errorf("predict before fit")
	}
	out := n.target.Clone()
	smoothAxis(out, 0)
	smoothAxis(out, 1)
	smoothAxis(out, 2)
	return out, nil
}

// smoothAxis applies the [0.25, 0.5, 0.25] kernel along one axis with
// clamped edges.
func smoothAxis(v *tensor.Volume, axis int) {
	dims := [3]int{v.NX, v.NY, v.NZ}
	n := dims[axis]
	if n < 2 {
		return
	}
	line := make([]float64, n)
	for b := 0; b < v.Batch; b++ {
		var outer, inner int
		switch axis {
		case 0:
			outer, inner = v.NY, v.NZ
		case 1:
			outer, inner = v.NX, v.NZ
		default:
			outer, inner = v.NX, v.NY
		}
		for i := 0; i < outer; i++ {
			for j := 0; j < inner; j++ {
				for k := 0; k < n; k++ {
					line[k] = atAxis(v, b, axis, k, i, j)
				}
				for k := 0; k < n; k++ {
					lo, hi := k-1, k+1
					if lo < 0 {
						lo = 0
					}
					if hi >= n {
						hi = n - 1
					}
					setAxis(v, b, axis, k, i, j, 0.25*line[lo]+0.5*line[k]+0.25*line[hi])
				}
			}
		}
	}
}

func atAxis(v *tensor.Volume, b, axis, k, i, j int) float64 {
	switch axis {
	case 0:
		return v.At(b, k, i, j)
	case 1:
		return v.At(b, i, k, j)
	default:
		return v.At(b, i, j, k)
	}
}

func setAxis(v *tensor.Volume, b, axis, k, i, j int, val float64) {
	switch axis {
	case 0:
		v.Set(b, k, i, j, val)
	case 1:
		v.Set(b, i, k, j, val)
	default:
		v.Set(b, i, j, k, val)
	}
}

// reconstruct dispatches on the configured algorithm and returns the
// volume plus the recorded projection-space residuals.
func reconstruct(cfg *config.Config, sysMatrix projector.Projector, measured, additive *tensor.Projections) (*tensor.Volume, []float64, error) {
	rc := cfg.Reconstruction

	if rc.Algorithm == "fbp" {
		var filt filters.Filter = filters.Ramp{}
		if rc.HammingCutoff > 0 {
			h, err := filters.NewHamming(rc.HammingCutoff)
			if err != nil {
				return nil, nil, err
			}
			filt = h
		}
		vol, err := reconstruction.FBP(sysMatrix, measured, filt)
		if err != nil {
			return nil, nil, err
		}
		vol.ClampMin(0)
		return vol, nil, nil
	}

	lik, err := likelihood.NewPoisson(sysMatrix, measured, additive, rc.Delta)
	if err != nil {
		return nil, nil, err
	}
	recorder := reconstruction.NewResidualRecorder(lik)
	opts := &reconstruction.Options{Callback: recorder.Record, Delta: rc.Delta}

	var solver *reconstruction.Solver
	switch rc.Algorithm {
	case "osem":
		solver, err = reconstruction.NewOSEM(lik, opts)
	case "mlem":
		solver, err = reconstruction.NewMLEM(lik, opts)
	case "osmaposl":
		var pr *prior.RelativeDifference
		pr, err = prior.NewRelativeDifference(rc.PriorStrength, 2, rc.Delta)
		if err != nil {
			return nil, nil, err
		}
		solver, err = reconstruction.NewOSMAPOSL(lik, pr, opts)
	case "bsrem":
		relax := func(it int) float64 { return 1 / (1 + 0.05*float64(it)) }
		solver, err = reconstruction.NewBSREM(lik, relax, opts)
	case "diprecon":
		solver, err = reconstruction.NewOSEM(lik, opts)
		if err != nil {
			return nil, nil, err
		}
		var admm *reconstruction.DIPRecon
		admm, err = reconstruction.NewDIPRecon(solver, &smoothingNet{}, &reconstruction.DIPReconOptions{
			Rho:    rc.Rho,
			SubIt1: rc.SubIt1,
		})
		if err != nil {
			return nil, nil, err
		}
		vol, err := admm.Run(rc.Iterations, rc.Subsets)
		if err != nil {
			return nil, nil, err
		}
		return vol, recorder.Residuals, nil
	default:
		return nil, nil, fmt.Errorf("unknown algorithm %q", rc.Algorithm)
	}
	if err != nil {
		return nil, nil, err
	}

	vol, err := solver.Run(rc.Iterations, rc.Subsets)
	if err != nil {
		return nil, nil, err
	}
	return vol, recorder.Residuals, nil
}

// reportMetrics prints reconstruction quality statistics against the
// ground-truth phantom.
func reportMetrics(truth, recon *tensor.Volume) {
	diff := make([]float64, len(truth.Data))
	mse := 0.0
	for i := range diff {
		diff[i] = recon.Data[i] - truth.Data[i]
		mse += diff[i] * diff[i]
	}
	rmse := math.Sqrt(mse / float64(len(diff)))
	corr := stat.Correlation(truth.Data, recon.Data, nil)
	bias := stat.Mean(diff, nil)

	fmt.Printf("   RMSE:                %.6f\n", rmse)
	fmt.Printf("   Bias:                %+.6f\n", bias)
	fmt.Printf("   Correlation:         %.4f\n", corr)
	fmt.Printf("   Truth / recon max:   %.3f / %.3f\n", truth.Max(), recon.Max())
	fmt.Printf("   Truth / recon total: %.1f / %.1f\n", truth.Sum(), recon.Sum())
}

// writeOutputs saves slice images and the convergence plot.
func writeOutputs(cfg *config.Config, truth, recon *tensor.Volume, residuals []float64) error {
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return err
	}

	if cfg.Output.SaveSlices {
		// A shared window keeps truth and reconstruction comparable
		window := truth.Max()
		if m := recon.Max(); m > window {
			window = m
		}
		for name, vol := range map[string]*tensor.Volume{"phantom": truth, "recon": recon} {
			renderer, err := imaging.NewRenderer(vol, 0, window)
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.Output.Dir, name)
			if err := renderer.SaveSliceSequence(imaging.AxisZ, dir); err != nil {
				return err
			}
			fmt.Printf("   Saved %s slices to: %s\n", name, dir)
		}
	}

	if len(residuals) > 0 {
		if err := saveConvergencePlot(residuals, filepath.Join(cfg.Output.Dir, "convergence.png")); err != nil {
			return err
		}
		fmt.Printf("   Saved convergence plot to: %s\n", filepath.Join(cfg.Output.Dir, "convergence.png"))
	}
	return nil
}

// saveConvergencePlot draws the residual norm per subset step.
func saveConvergencePlot(residuals []float64, path string) error {
	p := plot.New()
	p.Title.Text = "Projection residual"
	p.X.Label.Text = "subset step"
	p.Y.Label.Text = "||g - Hf - s||"

	pts := make(plotter.XYs, len(residuals))
	for i, r := range residuals {
		pts[i].X = float64(i)
		pts[i].Y = r
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line, plotter.NewGrid())
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
