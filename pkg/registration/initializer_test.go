package registration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

// box returns a 16³ volume that is one inside [from, to) and zero elsewhere.
func box(t *testing.T, from, to models.Index3) *volume.Volume {
	t.Helper()
	region := models.Region{From: from, To: to}
	return newTestVolume(t, 16, func(p r3.Vec) float64 {
		if region.Contains(models.Index3{int(p.X), int(p.Y), int(p.Z)}) {
			return 1
		}
		return 0
	})
}

func assertVec(t *testing.T, want, got r3.Vec, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "x")
	assert.InDelta(t, want.Y, got.Y, delta, "y")
	assert.InDelta(t, want.Z, got.Z, delta, "z")
}

func TestCreateTemplateGridFromTargets(t *testing.T) {
	a, err := volume.NewZero(models.Index3{10, 10, 10}, [3]float64{1, 1, 1}, models.DataClassContinuous)
	require.NoError(t, err)
	b, err := volume.NewZero(models.Index3{10, 5, 5}, [3]float64{2, 2, 2}, models.DataClassContinuous)
	require.NoError(t, err)
	b.Offset = r3.Vec{X: 5}

	ini := NewAffineInitializer(InitializerOptions{})
	template, err := ini.CreateTemplateGridFromTargets([]*volume.Volume{a, b}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.Index3{24, 10, 10}, template.Dims)
	assert.Equal(t, [3]float64{1, 1, 1}, template.Delta)
	assert.Equal(t, r3.Vec{}, template.Offset)

	coarse, err := ini.CreateTemplateGridFromTargets([]*volume.Volume{a, b}, 3)
	require.NoError(t, err)
	assert.Equal(t, models.Index3{8, 4, 4}, coarse.Dims)

	_, err = ini.CreateTemplateGridFromTargets(nil, 1)
	assert.Error(t, err)
}

func TestInitializeXformsWithoutHeuristicsIsIdentity(t *testing.T) {
	targets := []*volume.Volume{box(t, models.Index3{2, 2, 2}, models.Index3{6, 6, 6})}
	ini := NewAffineInitializer(InitializerOptions{})
	xforms, err := ini.InitializeXforms(targets[0].CloneGrid(), targets)
	require.NoError(t, err)
	require.Len(t, xforms, 1)

	p := r3.Vec{X: 3, Y: -7, Z: 11}
	assertVec(t, p, xforms[0].Apply(p), 1e-12)
}

func TestInitializeXformsAlignsCentersOfMass(t *testing.T) {
	targets := []*volume.Volume{
		box(t, models.Index3{2, 2, 2}, models.Index3{6, 6, 6}),
		box(t, models.Index3{8, 4, 6}, models.Index3{12, 8, 10}),
	}
	comA := targets[0].CenterOfMass()
	comB := targets[1].CenterOfMass()
	assertVec(t, r3.Vec{X: 3.5, Y: 3.5, Z: 3.5}, comA, 1e-9)
	assertVec(t, r3.Vec{X: 9.5, Y: 5.5, Z: 7.5}, comB, 1e-9)

	template := targets[0].CloneGrid()
	fov := template.CropCenter()
	assertVec(t, r3.Vec{X: 7.5, Y: 7.5, Z: 7.5}, fov, 1e-12)

	ini := NewAffineInitializer(InitializerOptions{AlignCenterOfMass: true})
	xforms, err := ini.InitializeXforms(template, targets)
	require.NoError(t, err)
	assertVec(t, comA, xforms[0].Apply(fov), 1e-9)
	assertVec(t, comB, xforms[1].Apply(fov), 1e-9)

	// both 16³ grids seen from the template span x [-2,19], y [2,19], z [0,19]
	ini.Options.CenterInTemplateFOV = true
	xforms, err = ini.InitializeXforms(template, targets)
	require.NoError(t, err)
	shifted := r3.Vec{X: 6.5, Y: 4.5, Z: 5.5}
	assertVec(t, comA, xforms[0].Apply(shifted), 1e-9)
	assertVec(t, comB, xforms[1].Apply(shifted), 1e-9)

	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for i, target := range targets {
		inv, err := xforms[i].Inverse()
		require.NoError(t, err)
		crop := target.HighResCropRegion()
		for _, q := range []r3.Vec{
			{X: crop.From[0], Y: crop.From[1], Z: crop.From[2]},
			{X: crop.To[0], Y: crop.To[1], Z: crop.To[2]},
		} {
			p := inv.Apply(q)
			lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
			hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
		}
	}
	assertVec(t, fov, r3.Scale(0.5, r3.Add(lo, hi)), 1e-9)
}

func TestInitializeXformsGeometricCenters(t *testing.T) {
	a := box(t, models.Index3{0, 0, 0}, models.Index3{4, 4, 4})
	b := a.Clone()
	b.Offset = r3.Vec{X: 10}

	ini := NewAffineInitializer(InitializerOptions{AlignCenters: true, CenterInTemplateFOV: true})
	template := a.CloneGrid()
	xforms, err := ini.InitializeXforms(template, []*volume.Volume{a, b})
	require.NoError(t, err)

	assertVec(t, a.CropCenter(), xforms[0].Apply(template.CropCenter()), 1e-12)
	assertVec(t, b.CropCenter(), xforms[1].Apply(template.CropCenter()), 1e-12)
}

func TestInitializeXformsCentersOnTemplateGrid(t *testing.T) {
	small, err := volume.NewZero(models.Index3{10, 10, 10}, [3]float64{1, 1, 1}, models.DataClassContinuous)
	require.NoError(t, err)
	large, err := volume.NewZero(models.Index3{30, 10, 10}, [3]float64{1, 1, 1}, models.DataClassContinuous)
	require.NoError(t, err)
	targets := []*volume.Volume{small, large}

	ini := NewAffineInitializer(InitializerOptions{AlignCenters: true})
	template, err := ini.CreateTemplateGridFromTargets(targets, 0)
	require.NoError(t, err)
	center := template.CropCenter()
	assertVec(t, r3.Vec{X: 14.5, Y: 4.5, Z: 4.5}, center, 1e-12)

	xforms, err := ini.InitializeXforms(template, targets)
	require.NoError(t, err)
	assertVec(t, r3.Vec{X: 4.5, Y: 4.5, Z: 4.5}, xforms[0].Apply(center), 1e-12)
	assertVec(t, r3.Vec{X: 14.5, Y: 4.5, Z: 4.5}, xforms[1].Apply(center), 1e-12)
}

func TestInitializeXformsScales(t *testing.T) {
	small := box(t, models.Index3{4, 4, 4}, models.Index3{8, 8, 8})
	large := box(t, models.Index3{2, 4, 4}, models.Index3{10, 8, 8})

	ini := NewAffineInitializer(InitializerOptions{AlignCenterOfMass: true, InitScales: true})
	xforms, err := ini.InitializeXforms(small.CloneGrid(), []*volume.Volume{small, large})
	require.NoError(t, err)

	ms, ml := small.ComputeMoments(), large.ComputeMoments()
	sx := xforms[0].Matrix()[0]
	lx := xforms[1].Matrix()[0]
	assert.InDelta(t, ml.StdDev.X/ms.StdDev.X, lx/sx, 1e-9)
	assert.Greater(t, lx, 1.0)
	assert.Less(t, sx, 1.0)

	// equal spread along y keeps unit scale
	assert.InDelta(t, 1, xforms[0].Matrix()[4], 1e-9)
	assert.InDelta(t, 1, xforms[1].Matrix()[4], 1e-9)
}
