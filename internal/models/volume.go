package models

import "fmt"

// DataClass tags how the samples of a volume should be interpreted.
type DataClass int

const (
	// DataClassUnknown is used when nothing is known about the samples.
	DataClassUnknown DataClass = iota

	// DataClassContinuous marks grey-level data (MR, CT intensities).
	DataClassContinuous

	// DataClassLabel marks categorical data such as segmentations or atlases.
	DataClassLabel

	// DataClassBinary marks two-valued masks.
	DataClassBinary
)

// String returns the name used in configuration files and log output.
func (c DataClass) String() string {
	switch c {
	case DataClassContinuous:
		return "continuous"
	case DataClassLabel:
		return "label"
	case DataClassBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// IsCategorical reports whether samples must not be blended by interpolation.
func (c DataClass) IsCategorical() bool {
	return c == DataClassLabel || c == DataClassBinary
}

// ParseDataClass is the inverse of DataClass.String.
func ParseDataClass(s string) (DataClass, error) {
	switch s {
	case "continuous", "grey", "gray":
		return DataClassContinuous, nil
	case "label", "labels":
		return DataClassLabel, nil
	case "binary":
		return DataClassBinary, nil
	case "unknown", "":
		return DataClassUnknown, nil
	}
	return DataClassUnknown, fmt.Errorf("unknown data class %q", s)
}

// Index3 is a grid index in 3-space.
type Index3 [3]int

// Region is a box of grid indices. From is inclusive, To is exclusive.
type Region struct {
	From Index3
	To   Index3
}

// NewRegion creates a region and orders each axis so that From <= To.
func NewRegion(from, to Index3) Region {
	for dim := 0; dim < 3; dim++ {
		if from[dim] > to[dim] {
			from[dim], to[dim] = to[dim], from[dim]
		}
	}
	return Region{From: from, To: to}
}

// Extent returns the number of indices covered along one axis, never negative.
func (r Region) Extent(dim int) int {
	if e := r.To[dim] - r.From[dim]; e > 0 {
		return e
	}
	return 0
}

// Size is the number of grid points inside the region.
func (r Region) Size() int {
	return r.Extent(0) * r.Extent(1) * r.Extent(2)
}

// Empty reports whether any axis has no extent.
func (r Region) Empty() bool {
	return r.Size() == 0
}

// Intersect returns the overlap of r and other. The result may be empty.
func (r Region) Intersect(other Region) Region {
	var out Region
	for dim := 0; dim < 3; dim++ {
		out.From[dim] = max(r.From[dim], other.From[dim])
		out.To[dim] = min(r.To[dim], other.To[dim])
		if out.To[dim] < out.From[dim] {
			out.To[dim] = out.From[dim]
		}
	}
	return out
}

// Contains reports whether the index lies inside the region.
func (r Region) Contains(idx Index3) bool {
	for dim := 0; dim < 3; dim++ {
		if idx[dim] < r.From[dim] || idx[dim] >= r.To[dim] {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d,%d]-[%d,%d,%d]", r.From[0], r.From[1], r.From[2], r.To[0], r.To[1], r.To[2])
}

// CoordinateRegion is a box in physical (mm) coordinates. Both corners are inclusive.
type CoordinateRegion struct {
	From [3]float64
	To   [3]float64
}

// Intersect returns the overlap of two physical boxes.
func (r CoordinateRegion) Intersect(other CoordinateRegion) CoordinateRegion {
	var out CoordinateRegion
	for dim := 0; dim < 3; dim++ {
		out.From[dim] = max(r.From[dim], other.From[dim])
		out.To[dim] = min(r.To[dim], other.To[dim])
	}
	return out
}

// Empty reports whether the box has negative extent along any axis.
func (r CoordinateRegion) Empty() bool {
	for dim := 0; dim < 3; dim++ {
		if r.To[dim] < r.From[dim] {
			return true
		}
	}
	return false
}

// IntensityRange is a closed interval of sample values. A zero range (Min == Max == 0)
// with Enabled false means "no restriction".
type IntensityRange struct {
	Min     float64
	Max     float64
	Enabled bool
}

// Contains reports whether value passes the range. Disabled ranges pass everything.
func (r IntensityRange) Contains(value float64) bool {
	if !r.Enabled {
		return true
	}
	return value >= r.Min && value <= r.Max
}
