// Package filters provides frequency-domain reconstruction filters for
// filtered back projection. Filtering happens along the radial axis of
// every projection view via gonum's real FFT: transform each radial
// line, multiply the half-spectrum by the filter response, transform
// back.
package filters

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"emtomo/pkg/tensor"
)

// Filter maps a spatial frequency in cycles per sample, in [0, 0.5],
// to a multiplicative response.
type Filter interface {
	Response(freq float64) float64
}

// Ramp is the ideal ramp filter |w| of filtered back projection,
// normalized so the response at a given frequency f cycles/sample
// is 2f.
type Ramp struct{}

// Response returns 2f.
func (Ramp) Response(freq float64) float64 { return 2 * freq }

var _ Filter = Ramp{}

// Hamming is the ramp filter windowed by a Hamming taper, rolling off
// to zero at the cutoff frequency. It trades resolution for noise
// suppression.
type Hamming struct {
	// Cutoff is the frequency in cycles/sample beyond which the
	// response is zero. Must lie in (0, 0.5].
	Cutoff float64
}

// NewHamming validates the cutoff and returns the windowed filter.
func NewHamming(cutoff float64) (Hamming, error) {
	if cutoff <= 0 || cutoff > 0.5 {
		return Hamming{}, fmt.Errorf("hamming cutoff must be in (0, 0.5], got %g", cutoff)
	}
	return Hamming{Cutoff: cutoff}, nil
}

// Response returns 2f * (0.54 + 0.46 cos(pi f / cutoff)) up to the
// cutoff and zero beyond it.
func (h Hamming) Response(freq float64) float64 {
	if freq > h.Cutoff {
		return 0
	}
	return 2 * freq * (0.54 + 0.46*math.Cos(math.Pi*freq/h.Cutoff))
}

var _ Filter = Hamming{}

// FilterSinogram applies the filter along the radial axis of every
// view of proj and returns the filtered stack. The input is not
// modified.
func FilterSinogram(proj *tensor.Projections, f Filter) (*tensor.Projections, error) {
	if proj == nil {
		return nil, fmt.Errorf("no projections to filter")
	}
	if f == nil {
		return nil, fmt.Errorf("no filter provided")
	}

	n := proj.NR
	fft := fourier.NewFFT(n)
	nCoef := n/2 + 1

	// Precompute the per-coefficient response; coefficient k holds
	// frequency k/n cycles/sample
	response := make([]float64, nCoef)
	for k := 0; k < nCoef; k++ {
		response[k] = f.Response(float64(k) / float64(n))
	}

	out := proj.Clone()
	line := make([]float64, n)
	coeffs := make([]complex128, nCoef)
	for b := 0; b < proj.Batch; b++ {
		for v := 0; v < proj.NViews; v++ {
			plane := out.ViewPlane(b, v)
			for z := 0; z < proj.NZ; z++ {
				// Radial samples are strided by NZ within the plane
				for r := 0; r < n; r++ {
					line[r] = plane[r*proj.NZ+z]
				}
				fft.Coefficients(coeffs, line)
				for k := 0; k < nCoef; k++ {
					coeffs[k] *= complex(response[k], 0)
				}
				// Sequence is unnormalized: divide by n to invert
				fft.Sequence(line, coeffs)
				for r := 0; r < n; r++ {
					plane[r*proj.NZ+z] = line[r] / float64(n)
				}
			}
		}
	}
	return out, nil
}
