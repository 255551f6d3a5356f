package imaging

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"emtomo/pkg/tensor"
)

func testVolume(t *testing.T) *tensor.Volume {
	t.Helper()
	v, err := tensor.NewVolume(1, 4, 3, 2)
	if err != nil {
		t.Fatalf("Failed to build volume: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

// TestSliceWindowing verifies the grayscale mapping and slice geometry
func TestSliceWindowing(t *testing.T) {
	v := testVolume(t)
	r, err := NewRenderer(v, 0, 0)
	if err != nil {
		t.Fatalf("Failed to build renderer: %v", err)
	}

	img, err := r.Slice(AxisZ, 1)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 4 || b.Dy() != 3 {
		t.Fatalf("Transverse slice: expected 4x3, got %dx%d", b.Dx(), b.Dy())
	}

	// Volume max is 23 at (3,2,1); windowing to the max pins it white
	if got := img.At(3, 2).(color.Gray16).Y; got != 65535 {
		t.Errorf("Maximum voxel should render white, got %d", got)
	}

	// Out-of-range positions and unknown axes are errors
	if _, err := r.Slice(AxisZ, 2); err == nil {
		t.Error("Expected error for out-of-range position, got nil")
	}
	if _, err := r.Slice(Axis("w"), 0); err == nil {
		t.Error("Expected error for unknown axis, got nil")
	}
}

// TestNegativeValuesClampToBlack verifies the window floor
func TestNegativeValuesClampToBlack(t *testing.T) {
	v, _ := tensor.NewVolume(1, 2, 2, 1)
	v.Set(0, 0, 0, 0, -5)
	v.Set(0, 1, 1, 0, 3)
	r, err := NewRenderer(v, 0, 0)
	if err != nil {
		t.Fatalf("Failed to build renderer: %v", err)
	}
	img, err := r.Slice(AxisZ, 0)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if got := img.At(0, 0).(color.Gray16).Y; got != 0 {
		t.Errorf("Negative voxel should render black, got %d", got)
	}
}

// TestSharedWindow verifies an explicit window overrides the volume max
func TestSharedWindow(t *testing.T) {
	v, _ := tensor.NewVolume(1, 2, 2, 1)
	v.Set(0, 0, 0, 0, 5)
	r, err := NewRenderer(v, 0, 10)
	if err != nil {
		t.Fatalf("Failed to build renderer: %v", err)
	}
	img, _ := r.Slice(AxisZ, 0)
	if got := img.At(0, 0).(color.Gray16).Y; got != 32767 {
		t.Errorf("Half-window voxel should render mid-gray, got %d", got)
	}
}

// TestSaveSliceSequence verifies the numbered files land on disk
func TestSaveSliceSequence(t *testing.T) {
	v := testVolume(t)
	r, err := NewRenderer(v, 0, 0)
	if err != nil {
		t.Fatalf("Failed to build renderer: %v", err)
	}

	dir := t.TempDir()
	if err := r.SaveSliceSequence(AxisZ, dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	for pos := 0; pos < 2; pos++ {
		name := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.png", pos))
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Expected slice file %s: %v", name, err)
		}
	}
}

// TestRendererValidation covers the constructor error cases
func TestRendererValidation(t *testing.T) {
	v := testVolume(t)
	if _, err := NewRenderer(nil, 0, 0); err == nil {
		t.Error("Expected error for nil volume, got nil")
	}
	if _, err := NewRenderer(v, 1, 0); err == nil {
		t.Error("Expected error for out-of-range batch, got nil")
	}
	if _, err := NewRenderer(v, 0, -1); err == nil {
		t.Error("Expected error for negative window, got nil")
	}
}
