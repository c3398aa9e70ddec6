package volume

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
)

// Downsample returns a coarser copy of the volume with factor times the spacing.
// Continuous data is block-averaged and each coarse sample sits at the center of its block.
// Categorical data takes the sample at the block origin so that no new label values appear,
// and grid point (0,0,0) keeps its physical location.
func (v *Volume) Downsample(factor int) (*Volume, error) {
	if factor < 1 {
		return nil, fmt.Errorf("invalid downsampling factor %d", factor)
	}
	if factor == 1 {
		return v.Clone(), nil
	}

	var dims models.Index3
	var delta [3]float64
	for dim := 0; dim < 3; dim++ {
		dims[dim] = (v.Dims[dim] + factor - 1) / factor
		delta[dim] = v.Delta[dim] * float64(factor)
	}

	out, err := NewZero(dims, delta, v.Class)
	if err != nil {
		return nil, err
	}
	categorical := v.Class.IsCategorical()
	out.Offset = v.Offset
	if !categorical {
		half := 0.5 * float64(factor-1)
		out.Offset = r3.Add(v.Offset, r3.Vec{X: half * v.Delta[0], Y: half * v.Delta[1], Z: half * v.Delta[2]})
	}
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				if categorical {
					out.Set(i, j, k, v.At(i*factor, j*factor, k*factor))
					continue
				}

				sum, count := 0.0, 0
				for kk := k * factor; kk < min((k+1)*factor, v.Dims[2]); kk++ {
					for jj := j * factor; jj < min((j+1)*factor, v.Dims[1]); jj++ {
						for ii := i * factor; ii < min((i+1)*factor, v.Dims[0]); ii++ {
							sum += v.At(ii, jj, kk)
							count++
						}
					}
				}
				out.Set(i, j, k, sum/float64(count))
			}
		}
	}

	// Carry the crop region over in physical space.
	if v.highResCrop != nil || v.cropRegion != (models.Region{To: v.Dims}) {
		out.SetHighResCropRegion(v.HighResCropRegion())
	}

	return out, nil
}

// Pyramid returns volumes from coarsest to finest, halving resolution per level.
// levels < 1 is treated as 1, which returns only the input volume.
func (v *Volume) Pyramid(levels int) ([]*Volume, error) {
	if levels < 1 {
		levels = 1
	}

	out := make([]*Volume, levels)
	out[levels-1] = v
	for level := levels - 2; level >= 0; level-- {
		factor := 1 << (levels - 1 - level)
		coarse, err := v.Downsample(factor)
		if err != nil {
			return nil, fmt.Errorf("pyramid level %d: %w", level, err)
		}
		out[level] = coarse
	}
	return out, nil
}
