package registration

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

func identityXforms(n int) []xform.Transform {
	out := make([]xform.Transform, n)
	for i := range out {
		out[i] = xform.NewIdentity()
	}
	return out
}

func TestGroupwiseIdenticalImages(t *testing.T) {
	img := newTestVolume(t, 10, textured)
	targets := []*volume.Volume{img, img.Clone(), img.Clone()}

	ini := NewAffineInitializer(InitializerOptions{})
	template, err := ini.CreateTemplateGridFromTargets(targets, 0)
	require.NoError(t, err)
	require.Equal(t, img.Dims, template.Dims)

	g, err := NewGroupwiseFunctional(template, targets, identityXforms(3), testOptions(metric.NormalizedMutualInformation))
	require.NoError(t, err)

	var calls atomic.Int32
	res, err := g.Evaluate(context.Background(), func(completed, total int) {
		calls.Add(1)
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.InDelta(t, 2, res.Value, 1e-9)
	assert.Equal(t, 1000, res.Samples)
}

func TestGroupwiseMisalignmentLowersSimilarity(t *testing.T) {
	center := r3.Vec{X: 8, Y: 8, Z: 8}
	a := newTestVolume(t, 16, blob(center, 3))
	b := newTestVolume(t, 16, blob(r3.Add(center, r3.Vec{Y: 2}), 3))
	targets := []*volume.Volume{a, b}
	template := a.CloneGrid()

	xforms := identityXforms(2)
	g, err := NewGroupwiseFunctional(template, targets, xforms, testOptions(metric.CrossCorrelation))
	require.NoError(t, err)
	misaligned, err := g.Evaluate(context.Background(), nil)
	require.NoError(t, err)

	// pull the second image back onto the first
	xforms[1].(*xform.Affine).SetParamVector([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 2, 0})
	aligned, err := g.Evaluate(context.Background(), nil)
	require.NoError(t, err)

	assert.Greater(t, aligned.Value, misaligned.Value)
	assert.InDelta(t, 1, aligned.Value, 1e-9)
	assert.Less(t, aligned.Samples, misaligned.Samples, "shifted image leaves the template grid")
}

func TestGroupwiseReformatMarksOutsideAsNaN(t *testing.T) {
	img := newTestVolume(t, 6, textured)
	xforms := []xform.Transform{xform.NewIdentity(), xform.NewTranslation(r3.Vec{X: 3})}
	g, err := NewGroupwiseFunctional(img.CloneGrid(), []*volume.Volume{img, img}, xforms, testOptions(metric.CrossCorrelation))
	require.NoError(t, err)

	out, err := g.Reformat(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, img.At(3, 2, 1), out.At(0, 2, 1), 1e-12)
	assert.InDelta(t, img.At(5, 2, 1), out.At(2, 2, 1), 1e-12)
	assert.True(t, math.IsNaN(out.At(3, 2, 1)))
}

func TestGroupwiseParameterVector(t *testing.T) {
	img := newTestVolume(t, 4, textured)
	g, err := NewGroupwiseFunctional(img.CloneGrid(), []*volume.Volume{img, img}, identityXforms(2), testOptions(metric.CrossCorrelation))
	require.NoError(t, err)
	require.Equal(t, 24, g.Dim())
	require.Len(t, g.ParamScales(), 24)

	params := g.ParamVector()
	params[12+9] = 4
	g.SetParamVector(params)
	assert.Equal(t, r3.Vec{X: 4}, g.Xforms()[1].(*xform.Affine).Translation())
	assert.Equal(t, r3.Vec{}, g.Xforms()[0].(*xform.Affine).Translation())

	assert.Panics(t, func() { g.SetParamVector(params[:5]) })
}

func TestGroupwiseValidation(t *testing.T) {
	img := newTestVolume(t, 4, textured)
	_, err := NewGroupwiseFunctional(img, []*volume.Volume{img}, identityXforms(1), testOptions(metric.CrossCorrelation))
	assert.Error(t, err)
	_, err = NewGroupwiseFunctional(img, []*volume.Volume{img, img}, identityXforms(3), testOptions(metric.CrossCorrelation))
	assert.Error(t, err)

	labels := img.CloneGrid()
	labels.Class = models.DataClassLabel
	_, err = NewGroupwiseFunctional(img, []*volume.Volume{img, labels}, identityXforms(2), testOptions(metric.CrossCorrelation))
	assert.ErrorIs(t, err, metric.ErrUnsupportedDataClass)
}
