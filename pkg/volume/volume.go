// Package volume provides the uniform 3-D sample grid that registration runs on.
//
// A Volume maps grid index (i,j,k) to physical coordinate Offset + (i*Delta[0], j*Delta[1], k*Delta[2]).
// The data array is stored x-fastest, then y, then z.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
)

// Volume is a 3-D grid of scalar samples.
type Volume struct {
	// Dims is the number of grid points along each axis
	Dims models.Index3

	// Delta is the physical spacing between grid points in mm
	Delta [3]float64

	// Offset is the physical location of grid point (0,0,0)
	Offset r3.Vec

	// Data holds Dims[0]*Dims[1]*Dims[2] samples
	Data []float64

	// Class tells interpolators and metrics how to treat the samples
	Class models.DataClass

	cropRegion  models.Region
	highResCrop *models.CoordinateRegion
}

// New creates a volume over existing sample data.
func New(dims models.Index3, delta [3]float64, data []float64, class models.DataClass) (*Volume, error) {
	n := 1
	for dim := 0; dim < 3; dim++ {
		if dims[dim] <= 0 {
			return nil, fmt.Errorf("invalid volume dimension %d along axis %d", dims[dim], dim)
		}
		if delta[dim] <= 0 {
			return nil, fmt.Errorf("invalid voxel spacing %g along axis %d", delta[dim], dim)
		}
		n *= dims[dim]
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match grid %dx%dx%d", len(data), dims[0], dims[1], dims[2])
	}

	return &Volume{
		Dims:       dims,
		Delta:      delta,
		Data:       data,
		Class:      class,
		cropRegion: models.Region{To: dims},
	}, nil
}

// NewZero creates a volume filled with zeros.
func NewZero(dims models.Index3, delta [3]float64, class models.DataClass) (*Volume, error) {
	n := dims[0] * dims[1] * dims[2]
	if n <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions %v", dims)
	}
	return New(dims, delta, make([]float64, n), class)
}

// NumberOfPixels returns the total number of grid points.
func (v *Volume) NumberOfPixels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// OffsetOf returns the data array index of grid point (i,j,k).
func (v *Volume) OffsetOf(i, j, k int) int {
	return i + v.Dims[0]*(j+v.Dims[1]*k)
}

// At returns the sample at grid point (i,j,k). The index must be inside the grid.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.OffsetOf(i, j, k)]
}

// Set stores a sample at grid point (i,j,k).
func (v *Volume) Set(i, j, k int, value float64) {
	v.Data[v.OffsetOf(i, j, k)] = value
}

// GridPoint returns the physical location of grid point (i,j,k).
func (v *Volume) GridPoint(i, j, k int) r3.Vec {
	return r3.Vec{
		X: v.Offset.X + float64(i)*v.Delta[0],
		Y: v.Offset.Y + float64(j)*v.Delta[1],
		Z: v.Offset.Z + float64(k)*v.Delta[2],
	}
}

// FractionalIndex converts a physical location into continuous grid coordinates.
func (v *Volume) FractionalIndex(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: (p.X - v.Offset.X) / v.Delta[0],
		Y: (p.Y - v.Offset.Y) / v.Delta[1],
		Z: (p.Z - v.Offset.Z) / v.Delta[2],
	}
}

// Size returns the physical extent from the first to the last grid point.
func (v *Volume) Size() r3.Vec {
	return r3.Vec{
		X: float64(v.Dims[0]-1) * v.Delta[0],
		Y: float64(v.Dims[1]-1) * v.Delta[1],
		Z: float64(v.Dims[2]-1) * v.Delta[2],
	}
}

// Center returns the physical center of the whole grid.
func (v *Volume) Center() r3.Vec {
	return r3.Add(v.Offset, r3.Scale(0.5, v.Size()))
}

// ValueRange returns the smallest and largest sample.
func (v *Volume) ValueRange() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// CloneGrid returns a zero-filled volume with the same geometry and data class.
func (v *Volume) CloneGrid() *Volume {
	out := &Volume{
		Dims:       v.Dims,
		Delta:      v.Delta,
		Offset:     v.Offset,
		Data:       make([]float64, len(v.Data)),
		Class:      v.Class,
		cropRegion: v.cropRegion,
	}
	if v.highResCrop != nil {
		crop := *v.highResCrop
		out.highResCrop = &crop
	}
	return out
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := v.CloneGrid()
	copy(out.Data, v.Data)
	return out
}
