package xform

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
)

func newTestWarp(t *testing.T) *SplineWarp {
	t.Helper()
	w, err := NewSplineWarp(models.CoordinateRegion{To: [3]float64{40, 40, 40}}, 10)
	require.NoError(t, err)
	return w
}

func TestSplineWarpIdentity(t *testing.T) {
	w := newTestWarp(t)
	assert.Equal(t, models.Index3{7, 7, 7}, w.Dims)
	assert.Equal(t, 3*7*7*7, w.NumParams())

	p := r3.Vec{X: 12.5, Y: 3, Z: 39}
	assert.Equal(t, p, w.Apply(p))
	assert.InDelta(t, 1, w.JacobianDeterminant(p), 1e-12)
}

func TestSplineWarpConstantShiftInsideSupport(t *testing.T) {
	w := newTestWarp(t)
	shift := r3.Vec{X: 1.5, Y: -2, Z: 0.5}
	for k := 0; k < w.Dims[2]; k++ {
		for j := 0; j < w.Dims[1]; j++ {
			for i := 0; i < w.Dims[0]; i++ {
				w.SetShift(i, j, k, shift)
			}
		}
	}

	// B-spline weights sum to one wherever all 64 control points exist
	p := r3.Vec{X: 17, Y: 23, Z: 31}
	assertVecInDelta(t, r3.Add(p, shift), w.Apply(p), 1e-12)
	assert.InDelta(t, 1, w.JacobianDeterminant(p), 1e-12)
}

func TestSplineWarpJacobianMatchesFiniteDifferences(t *testing.T) {
	w := newTestWarp(t)
	rng := rand.New(rand.NewSource(3))
	params := w.ParamVector()
	for i := range params {
		params[i] = rng.Float64()*2 - 1
	}
	w.SetParamVector(params)

	p := r3.Vec{X: 13.3, Y: 21.7, Z: 8.2}
	jac := w.Jacobian(p)
	const h = 1e-5
	axes := []r3.Vec{{X: h}, {Y: h}, {Z: h}}
	for c, dp := range axes {
		d := r3.Scale(1/(2*h), r3.Sub(w.Apply(r3.Add(p, dp)), w.Apply(r3.Sub(p, dp))))
		assert.InDelta(t, d.X, jac[c], 1e-6)
		assert.InDelta(t, d.Y, jac[3+c], 1e-6)
		assert.InDelta(t, d.Z, jac[6+c], 1e-6)
	}
}

func TestSplineWarpInverse(t *testing.T) {
	w := newTestWarp(t)
	rng := rand.New(rand.NewSource(4))
	params := w.ParamVector()
	for i := range params {
		params[i] = rng.Float64()*3 - 1.5
	}
	w.SetParamVector(params)

	const tolerance = 1e-4
	for n := 0; n < 50; n++ {
		p := r3.Vec{X: 5 + rng.Float64()*30, Y: 5 + rng.Float64()*30, Z: 5 + rng.Float64()*30}
		q, ok := w.ApplyInverse(w.Apply(p), tolerance)
		require.True(t, ok, "inversion failed at %v", p)
		assert.LessOrEqual(t, r3.Norm(r3.Sub(w.Apply(q), w.Apply(p))), tolerance)
	}
}

func TestSplineWarpInverseReportsNonConvergence(t *testing.T) {
	w := newTestWarp(t)
	rng := rand.New(rand.NewSource(10))
	params := w.ParamVector()
	for i := range params {
		params[i] = rng.Float64()*3 - 1.5
	}
	w.SetParamVector(params)
	w.MaxInverseIterations = 1

	p := w.Apply(r3.Vec{X: 17.3, Y: 22.9, Z: 11.4})
	_, ok := w.ApplyInverse(p, 1e-12)
	assert.False(t, ok, "one Newton step cannot reach the tolerance")

	w.MaxInverseIterations = 0
	_, ok = w.ApplyInverse(p, 1e-6)
	assert.True(t, ok)
}

func TestSplineWarpFitAffine(t *testing.T) {
	w := newTestWarp(t)
	a, err := w.FitAffine()
	require.NoError(t, err)

	want := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	got := a.Matrix()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9)
	}
	assertVecInDelta(t, r3.Vec{}, a.Translation(), 1e-9)
}

func TestSplineWarpCloneIsIndependent(t *testing.T) {
	w := newTestWarp(t)
	c := w.Clone().(*SplineWarp)
	c.SetShift(1, 1, 1, r3.Vec{X: 1})
	assert.Equal(t, r3.Vec{}, w.Shift(1, 1, 1))
	assert.False(t, math.IsNaN(c.Apply(r3.Vec{X: 1}).X))
}

func TestNewSplineWarpValidation(t *testing.T) {
	_, err := NewSplineWarp(models.CoordinateRegion{To: [3]float64{1, 1, 1}}, 0)
	assert.Error(t, err)
	_, err = NewSplineWarp(models.CoordinateRegion{From: [3]float64{2, 0, 0}, To: [3]float64{1, 1, 1}}, 1)
	assert.Error(t, err)
}
