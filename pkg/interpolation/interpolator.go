// Package interpolation samples volumes at non-grid locations.
//
// All interpolators refuse to extrapolate: a location outside the sampleable domain
// yields ok == false and never a clamped value.
package interpolation

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/pkg/volume"
)

// Kind selects an interpolation kernel.
type Kind int

const (
	NearestNeighbor Kind = iota
	Linear
	Cubic
	CosineSinc
)

// String returns the configuration name of the kernel.
func (k Kind) String() string {
	switch k {
	case NearestNeighbor:
		return "nearest"
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	case CosineSinc:
		return "sinc"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "nearest", "nn":
		return NearestNeighbor, nil
	case "linear", "trilinear", "":
		return Linear, nil
	case "cubic":
		return Cubic, nil
	case "sinc", "cosine-sinc":
		return CosineSinc, nil
	}
	return Linear, fmt.Errorf("unknown interpolation kernel %q", s)
}

// SuitableForLabels reports whether the kernel never blends distinct sample values.
func (k Kind) SuitableForLabels() bool {
	return k == NearestNeighbor
}

// Interpolator samples one volume.
type Interpolator interface {
	// GetDataAt samples at a physical location.
	GetDataAt(p r3.Vec) (value float64, ok bool)

	// GetDataAtIndex samples at a continuous grid index.
	GetDataAtIndex(idx r3.Vec) (value float64, ok bool)
}

// GradientInterpolator also provides the spatial derivative of the interpolated function,
// in units of value per grid index.
type GradientInterpolator interface {
	Interpolator
	GetDataAndGradientAtIndex(idx r3.Vec) (value float64, grad r3.Vec, ok bool)
}

var (
	_ Interpolator         = &nearest{}
	_ Interpolator         = &kernelInterpolator{}
	_ GradientInterpolator = &linear{}
)

// New creates an interpolator of the given kind over v. Using a blending kernel on label data
// is allowed but logged as a warning.
func New(kind Kind, v *volume.Volume) (Interpolator, error) {
	if v == nil {
		return nil, fmt.Errorf("interpolator needs a volume")
	}
	if v.Class.IsCategorical() && !kind.SuitableForLabels() {
		slog.Default().With("component", "interpolation").Warn("using an unsuitable interpolator on label data",
			slog.String("kernel", kind.String()),
			slog.String("dataClass", v.Class.String()))
	}

	switch kind {
	case NearestNeighbor:
		return &nearest{vol: v}, nil
	case Linear:
		return &linear{vol: v}, nil
	case Cubic:
		return &kernelInterpolator{vol: v, radius: 2, weights: cubicWeights}, nil
	case CosineSinc:
		return &kernelInterpolator{vol: v, radius: sincRadius, weights: cosineSincWeights}, nil
	}
	return nil, fmt.Errorf("unsupported interpolation kernel %v", kind)
}

// KindForDataClass forces nearest-neighbour sampling for categorical data.
func KindForDataClass(requested Kind, v *volume.Volume) Kind {
	if v.Class.IsCategorical() {
		return NearestNeighbor
	}
	return requested
}

// nearest picks the closest grid point. Valid within half a voxel of the outermost grid points.
type nearest struct {
	vol *volume.Volume
}

func (n *nearest) GetDataAt(p r3.Vec) (float64, bool) {
	return n.GetDataAtIndex(n.vol.FractionalIndex(p))
}

func (n *nearest) GetDataAtIndex(idx r3.Vec) (float64, bool) {
	coords := [3]float64{idx.X, idx.Y, idx.Z}
	var grid [3]int
	for dim := 0; dim < 3; dim++ {
		if !(coords[dim] >= -0.5 && coords[dim] < float64(n.vol.Dims[dim])-0.5) {
			return 0, false
		}
		grid[dim] = int(math.Floor(coords[dim] + 0.5))
	}
	return n.vol.At(grid[0], grid[1], grid[2]), true
}

// locate splits a continuous index into base grid index and fractional part.
// Valid locations lie between the first and the last grid point, both inclusive.
func locate(idx r3.Vec, dims [3]int) (base [3]int, frac [3]float64, ok bool) {
	coords := [3]float64{idx.X, idx.Y, idx.Z}
	for dim := 0; dim < 3; dim++ {
		c := coords[dim]
		if !(c >= 0 && c <= float64(dims[dim]-1)) {
			return base, frac, false
		}
		b := int(c)
		if b >= dims[dim]-1 {
			b = max(dims[dim]-2, 0)
		}
		base[dim] = b
		frac[dim] = c - float64(b)
	}
	return base, frac, true
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
