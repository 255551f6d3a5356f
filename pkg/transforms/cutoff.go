package transforms

import (
	"fmt"

	"emtomo/pkg/metadata"
	"emtomo/pkg/tensor"
)

// CutOff zeroes voxels outside a fixed field-of-view mask. The mask is
// supplied on the unpadded object grid as a {0,1} volume and padded
// with zeros at Configure, so padding voxels never contribute. The
// operator is diagonal and view-independent, hence exactly self-adjoint.
type CutOff struct {
	mask *tensor.Volume

	padded *tensor.Volume
	planeN int
	nz     int
}

// NewCutOff builds a field-of-view cutoff from a mask on the unpadded
// object grid, batch size 1. Nonzero mask voxels are kept as-is; the
// mask is not binarized, so fractional edge weights are allowed.
func NewCutOff(mask *tensor.Volume) *CutOff {
	return &CutOff{mask: mask}
}

// Configure validates the mask against the object grid and pre-pads it.
func (c *CutOff) Configure(obj metadata.ObjectMeta, proj metadata.ProjMeta) error {
	if c.mask == nil {
		return fmt.Errorf("cutoff mask is nil")
	}
	if c.mask.Batch != 1 {
		return fmt.Errorf("cutoff mask must have batch size 1, got %d", c.mask.Batch)
	}
	if c.mask.NX != obj.Shape[0] || c.mask.NY != obj.Shape[1] || c.mask.NZ != obj.Shape[2] {
		return fmt.Errorf("cutoff mask shape [%d,%d,%d] does not match object grid %v",
			c.mask.NX, c.mask.NY, c.mask.NZ, obj.Shape)
	}

	padShape := obj.PaddedShape()
	padded, err := tensor.NewVolume(1, padShape[0], padShape[1], padShape[2])
	if err != nil {
		return err
	}
	p := obj.TransversePad()
	for x := 0; x < obj.Shape[0]; x++ {
		for y := 0; y < obj.Shape[1]; y++ {
			srcOff := c.mask.Idx(0, x, y, 0)
			dstOff := padded.Idx(0, x+p, y+p, 0)
			copy(padded.Data[dstOff:dstOff+obj.Shape[2]], c.mask.Data[srcOff:srcOff+obj.Shape[2]])
		}
	}

	c.padded = padded
	c.planeN = padShape[0]
	c.nz = padShape[2]
	return nil
}

func (c *CutOff) apply(vol *tensor.Volume, view int) error {
	if c.padded == nil {
		return fmt.Errorf("cutoff transform not configured")
	}
	if vol.NX != c.planeN || vol.NY != c.planeN || vol.NZ != c.nz {
		return fmt.Errorf("cutoff expects padded shape [%d,%d,%d], got [%d,%d,%d]",
			c.planeN, c.planeN, c.nz, vol.NX, vol.NY, vol.NZ)
	}
	for b := 0; b < vol.Batch; b++ {
		bs := vol.BatchSlice(b)
		for i, m := range c.padded.Data {
			bs[i] *= m
		}
	}
	return nil
}

// Forward zeroes voxels outside the field of view.
func (c *CutOff) Forward(vol *tensor.Volume, view int) error {
	return c.apply(vol, view)
}

// Backward applies the same masking; the operator is diagonal.
func (c *CutOff) Backward(vol *tensor.Volume, view int) error {
	return c.apply(vol, view)
}
