package volume

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Moments summarises the intensity-weighted spatial distribution of a volume's crop region.
type Moments struct {
	// CenterOfMass is the intensity-weighted mean location in physical coordinates
	CenterOfMass r3.Vec

	// StdDev is the intensity-weighted standard deviation of the location along each axis
	StdDev r3.Vec

	// Mass is the sum of all non-negative samples in the crop region
	Mass float64
}

// ComputeMoments returns first and second order spatial moments of the crop region.
// Negative samples carry no weight. A region without mass yields the geometric center
// of the crop region and zero spread.
func (v *Volume) ComputeMoments() Moments {
	region := v.cropRegion
	n := region.Size()

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	zs := make([]float64, 0, n)
	weights := make([]float64, 0, n)
	mass := 0.0

	for k := region.From[2]; k < region.To[2]; k++ {
		for j := region.From[1]; j < region.To[1]; j++ {
			for i := region.From[0]; i < region.To[0]; i++ {
				w := v.At(i, j, k)
				if w <= 0 || math.IsNaN(w) {
					continue
				}
				p := v.GridPoint(i, j, k)
				xs = append(xs, p.X)
				ys = append(ys, p.Y)
				zs = append(zs, p.Z)
				weights = append(weights, w)
				mass += w
			}
		}
	}

	if mass == 0 {
		crop := v.HighResCropRegion()
		return Moments{
			CenterOfMass: r3.Vec{
				X: 0.5 * (crop.From[0] + crop.To[0]),
				Y: 0.5 * (crop.From[1] + crop.To[1]),
				Z: 0.5 * (crop.From[2] + crop.To[2]),
			},
		}
	}

	mx, vx := stat.PopMeanVariance(xs, weights)
	my, vy := stat.PopMeanVariance(ys, weights)
	mz, vz := stat.PopMeanVariance(zs, weights)

	return Moments{
		CenterOfMass: r3.Vec{X: mx, Y: my, Z: mz},
		StdDev:       r3.Vec{X: math.Sqrt(vx), Y: math.Sqrt(vy), Z: math.Sqrt(vz)},
		Mass:         mass,
	}
}

// CenterOfMass is a shorthand for ComputeMoments().CenterOfMass.
func (v *Volume) CenterOfMass() r3.Vec {
	return v.ComputeMoments().CenterOfMass
}

// CropCenter returns the physical center of the crop region.
func (v *Volume) CropCenter() r3.Vec {
	crop := v.HighResCropRegion()
	return r3.Vec{
		X: 0.5 * (crop.From[0] + crop.To[0]),
		Y: 0.5 * (crop.From[1] + crop.To[1]),
		Z: 0.5 * (crop.From[2] + crop.To[2]),
	}
}
