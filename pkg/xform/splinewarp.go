package xform

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
)

// defaultInverseIterations bounds the Newton iteration of SplineWarp.ApplyInverse.
const defaultInverseIterations = 20

// SplineWarp is a free-form deformation defined by a regular grid of control points, each
// carrying a shift vector. A point moves by the cubic B-spline blend of the 4x4x4 control
// shifts around it. Parameters are the shifts, three per control point, x fastest.
type SplineWarp struct {
	// Dims is the number of control points along each axis
	Dims models.Index3

	// Spacing is the distance between control points in mm
	Spacing [3]float64

	// Offset is the location of control point (0,0,0)
	Offset r3.Vec

	// MaxInverseIterations bounds ApplyInverse; 0 selects the default of 20
	MaxInverseIterations int

	shifts []r3.Vec

	seeds atomic.Pointer[kdtree.Tree]
}

// NewSplineWarp creates an identity deformation whose control grid covers domain with the
// given control point spacing. One extra control point on each side keeps the full cubic
// support inside the grid.
func NewSplineWarp(domain models.CoordinateRegion, spacing float64) (*SplineWarp, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("invalid control point spacing %g", spacing)
	}
	if domain.Empty() {
		return nil, fmt.Errorf("empty deformation domain")
	}

	w := &SplineWarp{}
	from := [3]float64{}
	for dim := 0; dim < 3; dim++ {
		extent := domain.To[dim] - domain.From[dim]
		cells := max(1, int(math.Ceil(extent/spacing)))
		w.Dims[dim] = cells + 3
		w.Spacing[dim] = spacing
		from[dim] = domain.From[dim] - spacing
	}
	w.Offset = r3.Vec{X: from[0], Y: from[1], Z: from[2]}
	w.shifts = make([]r3.Vec, w.Dims[0]*w.Dims[1]*w.Dims[2])
	return w, nil
}

func (w *SplineWarp) controlIndex(i, j, k int) int {
	return i + w.Dims[0]*(j+w.Dims[1]*k)
}

// ControlPoint returns the undeformed location of control point (i,j,k).
func (w *SplineWarp) ControlPoint(i, j, k int) r3.Vec {
	return r3.Vec{
		X: w.Offset.X + float64(i)*w.Spacing[0],
		Y: w.Offset.Y + float64(j)*w.Spacing[1],
		Z: w.Offset.Z + float64(k)*w.Spacing[2],
	}
}

// Shift returns the shift vector of control point (i,j,k).
func (w *SplineWarp) Shift(i, j, k int) r3.Vec {
	return w.shifts[w.controlIndex(i, j, k)]
}

// SetShift sets the shift vector of control point (i,j,k).
func (w *SplineWarp) SetShift(i, j, k int, shift r3.Vec) {
	w.shifts[w.controlIndex(i, j, k)] = shift
	w.seeds.Store(nil)
}

// cellOf returns the control cell of p and the position inside it.
func (w *SplineWarp) cellOf(p r3.Vec) (cell [3]int, frac [3]float64) {
	coords := [3]float64{
		(p.X - w.Offset.X) / w.Spacing[0],
		(p.Y - w.Offset.Y) / w.Spacing[1],
		(p.Z - w.Offset.Z) / w.Spacing[2],
	}
	for dim := 0; dim < 3; dim++ {
		f := math.Floor(coords[dim])
		cell[dim] = int(f)
		frac[dim] = coords[dim] - f
	}
	return cell, frac
}

// displacement returns the blended shift at p and optionally its spatial derivative.
// Control points outside the grid contribute nothing.
func (w *SplineWarp) displacement(p r3.Vec, jacobian *mat3) r3.Vec {
	cell, frac := w.cellOf(p)

	var b, db [3][4]float64
	for dim := 0; dim < 3; dim++ {
		b[dim] = bsplineBasis(frac[dim])
		db[dim] = bsplineDerivative(frac[dim])
		for l := 0; l < 4; l++ {
			db[dim][l] /= w.Spacing[dim]
		}
	}

	var d r3.Vec
	var jac mat3
	for n := 0; n < 4; n++ {
		k := cell[2] - 1 + n
		if k < 0 || k >= w.Dims[2] {
			continue
		}
		for m := 0; m < 4; m++ {
			j := cell[1] - 1 + m
			if j < 0 || j >= w.Dims[1] {
				continue
			}
			for l := 0; l < 4; l++ {
				i := cell[0] - 1 + l
				if i < 0 || i >= w.Dims[0] {
					continue
				}
				s := w.shifts[w.controlIndex(i, j, k)]
				weight := b[0][l] * b[1][m] * b[2][n]
				d = r3.Add(d, r3.Scale(weight, s))

				if jacobian != nil {
					g := [3]float64{
						db[0][l] * b[1][m] * b[2][n],
						b[0][l] * db[1][m] * b[2][n],
						b[0][l] * b[1][m] * db[2][n],
					}
					sv := [3]float64{s.X, s.Y, s.Z}
					for r := 0; r < 3; r++ {
						for c := 0; c < 3; c++ {
							jac[3*r+c] += sv[r] * g[c]
						}
					}
				}
			}
		}
	}

	if jacobian != nil {
		jac[0]++
		jac[4]++
		jac[8]++
		*jacobian = jac
	}
	return d
}

// Apply maps p forward.
func (w *SplineWarp) Apply(p r3.Vec) r3.Vec {
	return r3.Add(p, w.displacement(p, nil))
}

// Jacobian returns the row-major derivative of Apply at p.
func (w *SplineWarp) Jacobian(p r3.Vec) [9]float64 {
	var jac mat3
	w.displacement(p, &jac)
	return [9]float64(jac)
}

// JacobianDeterminant returns the local volume change at p.
func (w *SplineWarp) JacobianDeterminant(p r3.Vec) float64 {
	var jac mat3
	w.displacement(p, &jac)
	return jac.det()
}

// ApplyInverse finds q with Apply(q) within tolerance of p by Newton iteration, started at the
// control point whose deformed location is nearest to p. ok is false when the iteration does
// not converge within a bounded number of steps.
func (w *SplineWarp) ApplyInverse(p r3.Vec, tolerance float64) (r3.Vec, bool) {
	if tolerance <= 0 {
		tolerance = DefaultInversionTolerance
	}

	q := w.inverseSeed(p)
	residual := r3.Sub(w.Apply(q), p)
	err := r3.Norm(residual)

	iterations := w.MaxInverseIterations
	if iterations <= 0 {
		iterations = defaultInverseIterations
	}
	for iter := 0; iter < iterations; iter++ {
		if err <= tolerance {
			return q, true
		}

		var jac mat3
		w.displacement(q, &jac)
		step, ok := jac.solve(residual)
		if !ok {
			return q, false
		}

		// halve the step until the residual decreases
		next, nextErr := q, err
		for damping := 0; damping < 8; damping++ {
			candidate := r3.Sub(q, step)
			r := r3.Sub(w.Apply(candidate), p)
			if e := r3.Norm(r); e < err {
				next, nextErr, residual = candidate, e, r
				break
			}
			step = r3.Scale(0.5, step)
		}
		if nextErr >= err {
			return q, false
		}
		q, err = next, nextErr
	}

	return q, err <= tolerance
}

// inverseSeed returns the undeformed control point whose deformed location is closest to p.
func (w *SplineWarp) inverseSeed(p r3.Vec) r3.Vec {
	tree := w.seeds.Load()
	if tree == nil {
		samples := make(warpSamples, 0, len(w.shifts))
		for k := 0; k < w.Dims[2]; k++ {
			for j := 0; j < w.Dims[1]; j++ {
				for i := 0; i < w.Dims[0]; i++ {
					src := w.ControlPoint(i, j, k)
					samples = append(samples, warpSample{Deformed: w.Apply(src), Source: src})
				}
			}
		}
		tree = kdtree.New(samples, false)
		w.seeds.Store(tree)
	}

	nearest, _ := tree.Nearest(warpSample{Deformed: p})
	if nearest == nil {
		return p
	}
	// shift the seed by the offset between p and the deformed control point
	s := nearest.(warpSample)
	return r3.Add(s.Source, r3.Sub(p, s.Deformed))
}

// FitAffine returns the affine map that best matches the deformation at all control points
// in the least-squares sense.
func (w *SplineWarp) FitAffine() (*Affine, error) {
	n := len(w.shifts)
	x := mat.NewDense(n, 4, nil)
	y := mat.NewDense(n, 3, nil)

	row := 0
	for k := 0; k < w.Dims[2]; k++ {
		for j := 0; j < w.Dims[1]; j++ {
			for i := 0; i < w.Dims[0]; i++ {
				src := w.ControlPoint(i, j, k)
				dst := w.Apply(src)
				x.SetRow(row, []float64{src.X, src.Y, src.Z, 1})
				y.SetRow(row, []float64{dst.X, dst.Y, dst.Z})
				row++
			}
		}
	}

	var qr mat.QR
	qr.Factorize(x)
	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, y); err != nil {
		return nil, fmt.Errorf("fitting affine to deformation: %w", err)
	}

	// sol is 4x3: rows are the coefficients of x, y, z and the constant term
	var m [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[3*r+c] = sol.At(c, r)
		}
	}
	return NewAffine(m, r3.Vec{X: sol.At(3, 0), Y: sol.At(3, 1), Z: sol.At(3, 2)}), nil
}

func (w *SplineWarp) NumParams() int { return 3 * len(w.shifts) }

func (w *SplineWarp) ParamVector() []float64 {
	out := make([]float64, 3*len(w.shifts))
	for i, s := range w.shifts {
		out[3*i], out[3*i+1], out[3*i+2] = s.X, s.Y, s.Z
	}
	return out
}

func (w *SplineWarp) SetParamVector(params []float64) {
	checkParamLength(len(params), 3*len(w.shifts))
	for i := range w.shifts {
		w.shifts[i] = r3.Vec{X: params[3*i], Y: params[3*i+1], Z: params[3*i+2]}
	}
	w.seeds.Store(nil)
}

func (w *SplineWarp) Clone() Transform {
	out := &SplineWarp{
		Dims:    w.Dims,
		Spacing: w.Spacing,
		Offset:  w.Offset,
		shifts:  make([]r3.Vec, len(w.shifts)),

		MaxInverseIterations: w.MaxInverseIterations,
	}
	copy(out.shifts, w.shifts)
	return out
}

// bsplineBasis evaluates the four uniform cubic B-spline weights at t in [0,1).
func bsplineBasis(t float64) [4]float64 {
	t2, t3 := t*t, t*t*t
	return [4]float64{
		(1 - 3*t + 3*t2 - t3) / 6,
		(4 - 6*t2 + 3*t3) / 6,
		(1 + 3*t + 3*t2 - 3*t3) / 6,
		t3 / 6,
	}
}

func bsplineDerivative(t float64) [4]float64 {
	t2 := t * t
	return [4]float64{
		(-3 + 6*t - 3*t2) / 6,
		(-12*t + 9*t2) / 6,
		(3 + 6*t - 9*t2) / 6,
		3 * t2 / 6,
	}
}

// warpSample pairs a control point with its deformed location for kd-tree lookup.
type warpSample struct {
	Deformed r3.Vec
	Source   r3.Vec
}

// Compare implements the kdtree.Comparable interface
func (s warpSample) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(warpSample)
	switch d {
	case 0:
		return s.Deformed.X - q.Deformed.X
	case 1:
		return s.Deformed.Y - q.Deformed.Y
	case 2:
		return s.Deformed.Z - q.Deformed.Z
	default:
		panic("illegal dimension")
	}
}

func (s warpSample) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between the deformed locations.
func (s warpSample) Distance(c kdtree.Comparable) float64 {
	q := c.(warpSample)
	return r3.Norm2(r3.Sub(s.Deformed, q.Deformed))
}

// warpSamples satisfies kdtree.Interface
type warpSamples []warpSample

func (p warpSamples) Index(i int) kdtree.Comparable         { return p[i] }
func (p warpSamples) Len() int                              { return len(p) }
func (p warpSamples) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p warpSamples) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(samplePlane{warpSamples: p, Dim: d}, kdtree.MedianOfRandoms(samplePlane{warpSamples: p, Dim: d}, 100))
}

// samplePlane implements kdtree.SortSlicer for warpSamples
type samplePlane struct {
	warpSamples
	kdtree.Dim
}

func (p samplePlane) Less(i, j int) bool {
	return p.warpSamples[i].Compare(p.warpSamples[j], p.Dim) < 0
}

func (p samplePlane) Slice(start, end int) kdtree.SortSlicer {
	return samplePlane{warpSamples: p.warpSamples[start:end], Dim: p.Dim}
}

func (p samplePlane) Swap(i, j int) {
	p.warpSamples[i], p.warpSamples[j] = p.warpSamples[j], p.warpSamples[i]
}
