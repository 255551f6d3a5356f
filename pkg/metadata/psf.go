package metadata

import (
	"fmt"
	"math"
)

// fwhmToSigma converts a full-width-at-half-maximum to the standard
// deviation of the Gaussian with that width.
var fwhmToSigma = 1 / (2 * math.Sqrt(2*math.Log(2)))

// SigmaFunc maps the distance from an object plane to the detector to
// the standard deviation of the detector blur at that distance, in the
// same length unit as the grid spacing.
type SigmaFunc func(distance float64) float64

// PSFMeta describes the distance-dependent point-spread model applied
// during projection.
type PSFMeta struct {
	// Sigma gives the blur standard deviation at a detector distance.
	Sigma SigmaFunc

	// MinSigmas is the kernel truncation radius in standard
	// deviations. Zero selects the default of 3.
	MinSigmas float64
}

// NewPSFMeta validates and returns a point-spread model.
func NewPSFMeta(sigma SigmaFunc, minSigmas float64) (PSFMeta, error) {
	if sigma == nil {
		return PSFMeta{}, fmt.Errorf("sigma function must not be nil")
	}
	if minSigmas < 0 {
		return PSFMeta{}, fmt.Errorf("minSigmas must be non-negative, got %v", minSigmas)
	}
	if minSigmas == 0 {
		minSigmas = 3
	}
	return PSFMeta{Sigma: sigma, MinSigmas: minSigmas}, nil
}

// CollimatorSigma builds the blur model of a parallel-hole collimator
// with the given hole diameter, hole length and septal attenuation
// coefficient, combined with the camera's intrinsic resolution given
// as a FWHM. All lengths share one unit; muCollimator is its inverse.
//
// The geometric response grows linearly with the source-to-collimator
// distance r: fwhm_geo(r) = d*(r + L_eff)/L_eff with the effective
// hole length L_eff = L - 2/mu, which in sigma form is
// sigma(r) = sqrt((slope*r + intercept)^2 + sigmaIntrinsic^2).
func CollimatorSigma(holeDiameter, holeLength, muCollimator, intrinsicFWHM float64) (SigmaFunc, error) {
	if holeDiameter <= 0 || holeLength <= 0 {
		return nil, fmt.Errorf("collimator hole diameter and length must be positive, got %v and %v", holeDiameter, holeLength)
	}
	if muCollimator <= 0 {
		return nil, fmt.Errorf("collimator attenuation coefficient must be positive, got %v", muCollimator)
	}
	effLength := holeLength - 2/muCollimator
	if effLength <= 0 {
		return nil, fmt.Errorf("effective hole length %v is not positive: septal penetration dominates", effLength)
	}
	slope := holeDiameter / effLength * fwhmToSigma
	intercept := holeDiameter * fwhmToSigma
	intrinsic := intrinsicFWHM * fwhmToSigma
	return func(distance float64) float64 {
		geo := slope*distance + intercept
		return math.Sqrt(geo*geo + intrinsic*intrinsic)
	}, nil
}
