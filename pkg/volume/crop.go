package volume

import (
	"math"

	"voxelreg/internal/models"
)

// CropRegion returns the grid region that evaluation loops visit. It defaults to the whole grid.
func (v *Volume) CropRegion() models.Region {
	return v.cropRegion
}

// SetCropRegion sets the index crop region, clipped to the grid.
// Setting an index crop discards any physical crop previously set.
func (v *Volume) SetCropRegion(region models.Region) {
	v.cropRegion = v.clip(region)
	v.highResCrop = nil
}

// ResetCropRegion makes the whole grid the crop region again.
func (v *Volume) ResetCropRegion() {
	v.cropRegion = models.Region{To: v.Dims}
	v.highResCrop = nil
}

// SetHighResCropRegion sets the crop region in physical coordinates. The index crop region
// becomes the grid points from floor((from-offset)/delta) to floor((to-offset)/delta) inclusive,
// clipped to the grid.
func (v *Volume) SetHighResCropRegion(crop models.CoordinateRegion) {
	c := crop
	v.highResCrop = &c

	offset := [3]float64{v.Offset.X, v.Offset.Y, v.Offset.Z}
	for dim := 0; dim < 3; dim++ {
		from := int(math.Floor((crop.From[dim] - offset[dim]) / v.Delta[dim]))
		to := int(math.Floor((crop.To[dim] - offset[dim]) / v.Delta[dim]))
		v.cropRegion.From[dim] = max(from, 0)
		v.cropRegion.To[dim] = 1 + min(to, v.Dims[dim]-1)
		if v.cropRegion.To[dim] < v.cropRegion.From[dim] {
			v.cropRegion.To[dim] = v.cropRegion.From[dim]
		}
	}
}

// HighResCropRegion returns the physical crop region. Without an explicit physical crop it
// spans the first to the last grid point of the index crop region.
func (v *Volume) HighResCropRegion() models.CoordinateRegion {
	if v.highResCrop != nil {
		return *v.highResCrop
	}

	var region models.CoordinateRegion
	offset := [3]float64{v.Offset.X, v.Offset.Y, v.Offset.Z}
	for dim := 0; dim < 3; dim++ {
		region.From[dim] = offset[dim] + v.Delta[dim]*float64(v.cropRegion.From[dim])
		region.To[dim] = offset[dim] + v.Delta[dim]*float64(v.cropRegion.To[dim]-1)
	}
	return region
}

// ForegroundRegion returns the bounding box of all samples that differ from background.
// The result is empty when every sample equals background.
func (v *Volume) ForegroundRegion(background float64) models.Region {
	from := v.Dims
	var to models.Index3
	found := false

	for k := 0; k < v.Dims[2]; k++ {
		for j := 0; j < v.Dims[1]; j++ {
			row := v.OffsetOf(0, j, k)
			for i := 0; i < v.Dims[0]; i++ {
				if v.Data[row+i] == background {
					continue
				}
				found = true
				idx := models.Index3{i, j, k}
				for dim := 0; dim < 3; dim++ {
					from[dim] = min(from[dim], idx[dim])
					to[dim] = max(to[dim], idx[dim]+1)
				}
			}
		}
	}

	if !found {
		return models.Region{}
	}
	return models.Region{From: from, To: to}
}

// AutoCrop intersects the current crop region with the foreground bounding box and returns
// the result, which also becomes the new crop region.
func (v *Volume) AutoCrop(background float64) models.Region {
	region := v.cropRegion.Intersect(v.ForegroundRegion(background))
	v.cropRegion = region
	v.highResCrop = nil
	return region
}

func (v *Volume) clip(region models.Region) models.Region {
	return region.Intersect(models.Region{To: v.Dims})
}
