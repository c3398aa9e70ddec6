package xform

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AffineParams describes an affine map by its geometric components. The map scales, shears
// and rotates around Center, then translates:
//
//	p' = R * Sh * S * (p - Center) + Center + Translation
type AffineParams struct {
	Translation r3.Vec
	// Rotation angles around x, y and z in degrees, applied in that order
	Rotation r3.Vec
	Scale    r3.Vec
	// Shear coefficients xy, xz and yz
	Shear  r3.Vec
	Center r3.Vec
}

// Affine is a linear map plus translation. Its 12 parameters are the row-major 3x3 matrix
// followed by the translation vector. The exact inverse is computed on first use and cached
// until the parameters change.
type Affine struct {
	m [9]float64
	t r3.Vec

	inverse atomic.Pointer[inverseCache]
}

type inverseCache struct {
	inv *Affine
	err error
}

// NewIdentity returns the identity map.
func NewIdentity() *Affine {
	return NewAffine([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, r3.Vec{})
}

// NewTranslation returns a pure translation.
func NewTranslation(t r3.Vec) *Affine {
	return NewAffine([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, t)
}

// NewAffine creates p' = M*p + t for row-major M.
func NewAffine(m [9]float64, t r3.Vec) *Affine {
	return &Affine{m: m, t: t}
}

// NewAffineFromParams composes a map from geometric components. Zero scale components
// are treated as 1.
func NewAffineFromParams(p AffineParams) *Affine {
	scale := p.Scale
	if scale.X == 0 {
		scale.X = 1
	}
	if scale.Y == 0 {
		scale.Y = 1
	}
	if scale.Z == 0 {
		scale.Z = 1
	}

	s := mat3{scale.X, 0, 0, 0, scale.Y, 0, 0, 0, scale.Z}
	sh := mat3{1, p.Shear.X, p.Shear.Y, 0, 1, p.Shear.Z, 0, 0, 1}

	ax, ay, az := degToRad(p.Rotation.X), degToRad(p.Rotation.Y), degToRad(p.Rotation.Z)
	rx := mat3{1, 0, 0, 0, math.Cos(ax), -math.Sin(ax), 0, math.Sin(ax), math.Cos(ax)}
	ry := mat3{math.Cos(ay), 0, math.Sin(ay), 0, 1, 0, -math.Sin(ay), 0, math.Cos(ay)}
	rz := mat3{math.Cos(az), -math.Sin(az), 0, math.Sin(az), math.Cos(az), 0, 0, 0, 1}

	m := rz.mul(ry).mul(rx).mul(sh).mul(s)
	t := r3.Add(r3.Sub(p.Center, m.apply(p.Center)), p.Translation)
	return NewAffine([9]float64(m), t)
}

// Matrix returns the row-major linear part.
func (a *Affine) Matrix() [9]float64 {
	return a.m
}

// Translation returns the translation part.
func (a *Affine) Translation() r3.Vec {
	return a.t
}

// Apply maps p forward.
func (a *Affine) Apply(p r3.Vec) r3.Vec {
	return r3.Add(mat3(a.m).apply(p), a.t)
}

// Inverse returns the exact inverse map. It fails with ErrSingularMatrix when the linear
// part cannot be inverted.
func (a *Affine) Inverse() (*Affine, error) {
	if c := a.inverse.Load(); c != nil {
		return c.inv, c.err
	}

	c := &inverseCache{}
	c.inv, c.err = a.computeInverse()
	a.inverse.Store(c)
	return c.inv, c.err
}

func (a *Affine) computeInverse() (*Affine, error) {
	m := mat.NewDense(3, 3, a.m[:])
	if det := mat.Det(m); det == 0 || math.IsNaN(det) {
		return nil, fmt.Errorf("%w: determinant %g", ErrSingularMatrix, det)
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularMatrix, err)
	}

	var mi [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			mi[3*r+c] = inv.At(r, c)
		}
	}
	ti := r3.Scale(-1, mat3(mi).apply(a.t))
	return NewAffine(mi, ti), nil
}

// ApplyInverse maps p backward. Tolerance is ignored; ok is false for a singular map.
func (a *Affine) ApplyInverse(p r3.Vec, _ float64) (r3.Vec, bool) {
	inv, err := a.Inverse()
	if err != nil {
		return r3.Vec{}, false
	}
	return inv.Apply(p), true
}

// Compose returns the map that applies a first and then b.
func (a *Affine) Compose(b *Affine) *Affine {
	m := mat3(b.m).mul(mat3(a.m))
	t := r3.Add(mat3(b.m).apply(a.t), b.t)
	return NewAffine([9]float64(m), t)
}

// Determinant returns the volume scaling factor of the map.
func (a *Affine) Determinant() float64 {
	return mat.Det(mat.NewDense(3, 3, a.m[:]))
}

func (a *Affine) NumParams() int { return 12 }

func (a *Affine) ParamVector() []float64 {
	out := make([]float64, 12)
	copy(out, a.m[:])
	out[9], out[10], out[11] = a.t.X, a.t.Y, a.t.Z
	return out
}

func (a *Affine) SetParamVector(params []float64) {
	checkParamLength(len(params), 12)
	copy(a.m[:], params[:9])
	a.t = r3.Vec{X: params[9], Y: params[10], Z: params[11]}
	a.inverse.Store(nil)
}

func (a *Affine) Clone() Transform {
	return NewAffine(a.m, a.t)
}

func (a *Affine) String() string {
	return fmt.Sprintf("Affine[% .4f % .4f % .4f | % .4f; % .4f % .4f % .4f | % .4f; % .4f % .4f % .4f | % .4f]",
		a.m[0], a.m[1], a.m[2], a.t.X, a.m[3], a.m[4], a.m[5], a.t.Y, a.m[6], a.m[7], a.m[8], a.t.Z)
}

// mat3 is a row-major 3x3 matrix for small fixed-size products.
type mat3 [9]float64

func (m mat3) apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z,
		Y: m[3]*p.X + m[4]*p.Y + m[5]*p.Z,
		Z: m[6]*p.X + m[7]*p.Y + m[8]*p.Z,
	}
}

func (m mat3) mul(n mat3) mat3 {
	var out mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = m[3*r]*n[c] + m[3*r+1]*n[3+c] + m[3*r+2]*n[6+c]
		}
	}
	return out
}

func (m mat3) det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
}

// solve returns x with m*x = b, or false when m is singular.
func (m mat3) solve(b r3.Vec) (r3.Vec, bool) {
	d := m.det()
	if d == 0 || math.IsNaN(d) {
		return r3.Vec{}, false
	}
	x := (b.X*(m[4]*m[8]-m[5]*m[7]) - m[1]*(b.Y*m[8]-m[5]*b.Z) + m[2]*(b.Y*m[7]-m[4]*b.Z)) / d
	y := (m[0]*(b.Y*m[8]-m[5]*b.Z) - b.X*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*b.Z-b.Y*m[6])) / d
	z := (m[0]*(m[4]*b.Z-b.Y*m[7]) - m[1]*(m[3]*b.Z-b.Y*m[6]) + b.X*(m[3]*m[7]-m[4]*m[6])) / d
	return r3.Vec{X: x, Y: y, Z: z}, true
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
