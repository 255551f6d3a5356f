// Package imaging renders reconstructed volumes to grayscale images
// for visual inspection. Slices are windowed to the volume maximum so
// a reconstruction and its ground truth render on comparable scales
// when the caller passes a shared window.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"emtomo/pkg/tensor"
)

// Axis selects the slicing direction.
type Axis string

const (
	// AxisX slices sagittal planes (fixed x).
	AxisX Axis = "x"

	// AxisY slices coronal planes (fixed y).
	AxisY Axis = "y"

	// AxisZ slices transverse planes (fixed z).
	AxisZ Axis = "z"
)

// Renderer draws slices of one batch entry of a volume.
type Renderer struct {
	vol    *tensor.Volume
	batch  int
	window float64
}

// NewRenderer wraps batch entry b of vol. A window of zero selects the
// volume maximum; negative values are rejected.
func NewRenderer(vol *tensor.Volume, b int, window float64) (*Renderer, error) {
	if vol == nil {
		return nil, fmt.Errorf("no volume to render")
	}
	if b < 0 || b >= vol.Batch {
		return nil, fmt.Errorf("batch index %d out of range [0,%d)", b, vol.Batch)
	}
	if window < 0 {
		return nil, fmt.Errorf("window must be non-negative, got %g", window)
	}
	if window == 0 {
		window = vol.Max()
		if window <= 0 {
			window = 1
		}
	}
	return &Renderer{vol: vol, batch: b, window: window}, nil
}

// gray maps a voxel value into the 16-bit range under the window.
func (r *Renderer) gray(val float64) color.Gray16 {
	v := val / r.window * 65535
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return color.Gray16{Y: uint16(v)}
}

// Slice renders the plane at the given position along the axis.
func (r *Renderer) Slice(axis Axis, position int) (image.Image, error) {
	v := r.vol
	switch axis {
	case AxisX:
		if position < 0 || position >= v.NX {
			return nil, fmt.Errorf("position %d exceeds x extent %d", position, v.NX)
		}
		img := image.NewGray16(image.Rect(0, 0, v.NY, v.NZ))
		for y := 0; y < v.NY; y++ {
			for z := 0; z < v.NZ; z++ {
				img.SetGray16(y, z, r.gray(v.At(r.batch, position, y, z)))
			}
		}
		return img, nil
	case AxisY:
		if position < 0 || position >= v.NY {
			return nil, fmt.Errorf("position %d exceeds y extent %d", position, v.NY)
		}
		img := image.NewGray16(image.Rect(0, 0, v.NX, v.NZ))
		for x := 0; x < v.NX; x++ {
			for z := 0; z < v.NZ; z++ {
				img.SetGray16(x, z, r.gray(v.At(r.batch, x, position, z)))
			}
		}
		return img, nil
	case AxisZ:
		if position < 0 || position >= v.NZ {
			return nil, fmt.Errorf("position %d exceeds z extent %d", position, v.NZ)
		}
		img := image.NewGray16(image.Rect(0, 0, v.NX, v.NY))
		for x := 0; x < v.NX; x++ {
			for y := 0; y < v.NY; y++ {
				img.SetGray16(x, y, r.gray(v.At(r.batch, x, y, position)))
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSlice writes one rendered slice as a PNG file.
func (r *Renderer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return png.Encode(file, img)
}

// SaveSliceSequence renders and saves every plane along the axis into
// outputDir as numbered PNG files.
func (r *Renderer) SaveSliceSequence(axis Axis, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case AxisX:
		maxPos = r.vol.NX
	case AxisY:
		maxPos = r.vol.NY
	case AxisZ:
		maxPos = r.vol.NZ
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := r.Slice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := r.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
