// Package config provides configuration loading and management for
// emtomo. It handles loading configuration from YAML files and
// provides default values for the simulation and reconstruction
// pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Geometry describes the reconstruction grid and acquisition orbit
	Geometry struct {
		// GridSize is the transverse grid extent in voxels (the grid
		// is GridSize x GridSize x AxialSize)
		GridSize int `yaml:"gridSize"`

		// AxialSize is the axial grid extent in voxels
		AxialSize int `yaml:"axialSize"`

		// VoxelSize is the isotropic voxel edge length in cm
		VoxelSize float64 `yaml:"voxelSize"`

		// NumViews is the number of acquisition angles, evenly spaced
		// over 360 degrees
		NumViews int `yaml:"numViews"`

		// OrbitRadius is the detector orbit radius in cm
		OrbitRadius float64 `yaml:"orbitRadius"`
	} `yaml:"geometry"`

	// Collimator describes the distance-dependent detector response
	Collimator struct {
		// HoleDiameter is the collimator hole diameter in cm
		HoleDiameter float64 `yaml:"holeDiameter"`

		// HoleLength is the collimator hole length in cm
		HoleLength float64 `yaml:"holeLength"`

		// SeptalMu is the septal attenuation coefficient in 1/cm
		SeptalMu float64 `yaml:"septalMu"`

		// IntrinsicFWHM is the intrinsic detector resolution in cm
		IntrinsicFWHM float64 `yaml:"intrinsicFwhm"`

		// MinSigmas is the Gaussian truncation radius in standard
		// deviations
		MinSigmas float64 `yaml:"minSigmas"`
	} `yaml:"collimator"`

	// Reconstruction selects and tunes the solver
	Reconstruction struct {
		// Algorithm is one of osem, mlem, osmaposl, bsrem, diprecon, fbp
		Algorithm string `yaml:"algorithm"`

		// Iterations is the number of outer iterations
		Iterations int `yaml:"iterations"`

		// Subsets is the ordered-subset count
		Subsets int `yaml:"subsets"`

		// PriorStrength is the penalty weight for the MAP variants
		PriorStrength float64 `yaml:"priorStrength"`

		// Rho is the ADMM penalty weight for diprecon
		Rho float64 `yaml:"rho"`

		// SubIt1 is the ADMM inner EM round count per outer iteration
		SubIt1 int `yaml:"subIt1"`

		// Delta floors every division; zero selects the package default
		Delta float64 `yaml:"delta"`

		// HammingCutoff is the FBP filter cutoff in cycles/sample;
		// zero selects the plain ramp
		HammingCutoff float64 `yaml:"hammingCutoff"`

		// NumWorkers is the number of parallel view workers in the
		// projector
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"reconstruction"`

	// Simulation controls the synthetic acquisition
	Simulation struct {
		// PhantomRadius is the cylinder phantom radius in cm
		PhantomRadius float64 `yaml:"phantomRadius"`

		// TotalCounts is the expected total detected counts; zero
		// disables Poisson noise
		TotalCounts float64 `yaml:"totalCounts"`

		// Seed drives the noise sampler
		Seed uint64 `yaml:"seed"`

		// Attenuation is the uniform attenuation coefficient inside
		// the phantom in 1/cm; zero disables attenuation modeling
		Attenuation float64 `yaml:"attenuation"`
	} `yaml:"simulation"`

	// Output parameters
	Output struct {
		// Dir is the directory for slice images and plots
		Dir string `yaml:"dir"`

		// SaveSlices enables numbered slice PNG output
		SaveSlices bool `yaml:"saveSlices"`

		// Verbose controls the level of progress output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry.GridSize = 64
	cfg.Geometry.AxialSize = 32
	cfg.Geometry.VoxelSize = 0.4
	cfg.Geometry.NumViews = 60
	cfg.Geometry.OrbitRadius = 20

	cfg.Collimator.HoleDiameter = 0.2
	cfg.Collimator.HoleLength = 3.5
	cfg.Collimator.SeptalMu = 25
	cfg.Collimator.IntrinsicFWHM = 0.35
	cfg.Collimator.MinSigmas = 3

	cfg.Reconstruction.Algorithm = "osem"
	cfg.Reconstruction.Iterations = 4
	cfg.Reconstruction.Subsets = 6
	cfg.Reconstruction.PriorStrength = 0.05
	cfg.Reconstruction.Rho = 3e-3
	cfg.Reconstruction.SubIt1 = 10
	cfg.Reconstruction.HammingCutoff = 0.4
	cfg.Reconstruction.NumWorkers = runtime.NumCPU()

	cfg.Simulation.PhantomRadius = 8
	cfg.Simulation.TotalCounts = 5e6
	cfg.Simulation.Seed = 1
	cfg.Simulation.Attenuation = 0.15

	cfg.Output.Dir = "output"
	cfg.Output.SaveSlices = true
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the configuration for inconsistent values
func (cfg *Config) Validate() error {
	if cfg.Geometry.GridSize < 2 || cfg.Geometry.AxialSize < 1 {
		return fmt.Errorf("grid %dx%d too small", cfg.Geometry.GridSize, cfg.Geometry.AxialSize)
	}
	if cfg.Geometry.VoxelSize <= 0 {
		return fmt.Errorf("voxel size must be positive, got %g", cfg.Geometry.VoxelSize)
	}
	if cfg.Geometry.NumViews < 1 {
		return fmt.Errorf("view count must be positive, got %d", cfg.Geometry.NumViews)
	}
	if cfg.Geometry.OrbitRadius <= 0 {
		return fmt.Errorf("orbit radius must be positive, got %g", cfg.Geometry.OrbitRadius)
	}
	switch cfg.Reconstruction.Algorithm {
	case "osem", "mlem", "osmaposl", "bsrem", "diprecon", "fbp":
	default:
		return fmt.Errorf("unknown algorithm %q", cfg.Reconstruction.Algorithm)
	}
	if cfg.Reconstruction.Iterations < 1 {
		return fmt.Errorf("iteration count must be positive, got %d", cfg.Reconstruction.Iterations)
	}
	if cfg.Reconstruction.Subsets < 1 || cfg.Reconstruction.Subsets > cfg.Geometry.NumViews {
		return fmt.Errorf("subset count %d out of range [1,%d]", cfg.Reconstruction.Subsets, cfg.Geometry.NumViews)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
