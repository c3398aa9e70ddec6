package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/xform"
)

func translationOnly() []bool {
	active := make([]bool, 12)
	active[9], active[10], active[11] = true, true, true
	return active
}

func TestRegisterPairRecoversTranslation(t *testing.T) {
	center := r3.Vec{X: 12, Y: 12, Z: 12}
	shift := r3.Vec{X: 1.5, Y: 0, Z: -1}
	ref := newTestVolume(t, 24, blob(center, 3))
	flt := newTestVolume(t, 24, blob(r3.Add(center, shift), 3))

	for _, kind := range []metric.Kind{metric.MeanSquaredDifference, metric.CrossCorrelation} {
		t.Run(kind.String(), func(t *testing.T) {
			x := xform.NewIdentity()
			settings := DefaultOptimizerSettings()
			settings.Active = translationOnly()
			settings.Levels = 2

			outcome, err := RegisterPair(context.Background(), ref, flt, x, testOptions(kind), settings)
			require.NoError(t, err)
			assert.Greater(t, outcome.Result.Samples, 0)
			assert.Greater(t, outcome.Evaluations, 0)

			got := x.Translation()
			assert.InDelta(t, shift.X, got.X, 0.25)
			assert.InDelta(t, shift.Y, got.Y, 0.25)
			assert.InDelta(t, shift.Z, got.Z, 0.25)

			// inactive parameters are untouched
			assert.Equal(t, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, x.Matrix())
		})
	}
}

func TestOptimizeWithGradientDescentImproves(t *testing.T) {
	center := r3.Vec{X: 10, Y: 10, Z: 10}
	ref := newTestVolume(t, 20, blob(center, 3))
	flt := newTestVolume(t, 20, blob(r3.Add(center, r3.Vec{X: 1}), 3))
	f := newTestFunctional(t, ref, flt, xform.NewIdentity(), testOptions(metric.MeanSquaredDifference))

	start, err := f.Evaluate(context.Background(), nil)
	require.NoError(t, err)

	settings := DefaultOptimizerSettings()
	settings.Method = GradientDescent
	settings.Active = translationOnly()
	settings.MaxEvaluations = 300
	outcome, err := Optimize(context.Background(), f, settings)
	require.NoError(t, err)
	assert.Less(t, outcome.Result.Value, start.Value)
	assert.Equal(t, outcome.Params, f.ParamVector())
}

func TestOptimizeFailsWithoutOverlap(t *testing.T) {
	ref := newTestVolume(t, 6, textured)
	flt := ref.Clone()
	ref.SetCropRegion(models.Region{To: models.Index3{2, 6, 6}})
	flt.SetCropRegion(models.Region{From: models.Index3{4, 0, 0}, To: models.Index3{6, 6, 6}})
	f := newTestFunctional(t, ref, flt, xform.NewIdentity(), testOptions(metric.CrossCorrelation))

	settings := DefaultOptimizerSettings()
	settings.Active = make([]bool, 12)
	_, err := Optimize(context.Background(), f, settings)
	assert.True(t, errors.Is(err, ErrNoOverlap))
}

func TestOptimizeHonoursCancellation(t *testing.T) {
	ref := newTestVolume(t, 8, textured)
	f := newTestFunctional(t, ref, ref, xform.NewIdentity(), testOptions(metric.CrossCorrelation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Optimize(ctx, f, DefaultOptimizerSettings())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("Simplex")
	require.NoError(t, err)
	assert.Equal(t, NelderMead, m)

	m, err = ParseMethod("gradient")
	require.NoError(t, err)
	assert.Equal(t, GradientDescent, m)

	_, err = ParseMethod("annealing")
	assert.Error(t, err)
}
