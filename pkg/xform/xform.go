// Package xform implements coordinate transformations between registered spaces:
// affine maps, cubic B-spline free-form deformations, and chains of either.
package xform

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrSingularMatrix is returned when an affine map has no exact inverse.
	ErrSingularMatrix = errors.New("singular affine matrix")

	// ErrNotInvertible is returned when a point cannot be mapped back through a deformation.
	ErrNotInvertible = errors.New("transformation not invertible at point")
)

// DefaultInversionTolerance is the residual (in mm) accepted by numerical inversion.
const DefaultInversionTolerance = 1e-3

// Transform maps reference-space coordinates to floating-space coordinates.
type Transform interface {
	// Apply maps p forward.
	Apply(p r3.Vec) r3.Vec

	// ApplyInverse maps p backward. Exact transforms ignore tolerance; numerical
	// ones stop once the forward image of the result is within tolerance of p.
	// ok is false when no such point was found.
	ApplyInverse(p r3.Vec, tolerance float64) (q r3.Vec, ok bool)

	// NumParams is the number of free parameters.
	NumParams() int

	// ParamVector returns a copy of the parameters.
	ParamVector() []float64

	// SetParamVector replaces all parameters. It panics if len(params) != NumParams().
	SetParamVector(params []float64)

	// Clone returns an independent copy.
	Clone() Transform
}

var (
	_ Transform = &Affine{}
	_ Transform = &SplineWarp{}
)

// LinkError reports which element of a chain failed.
type LinkError struct {
	Index int
	Err   error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("transformation link %d: %v", e.Index, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func checkParamLength(got, want int) {
	if got != want {
		panic(fmt.Sprintf("xform: parameter vector length %d, expected %d", got, want))
	}
}
