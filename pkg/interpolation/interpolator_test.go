package interpolation

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

// createRampVolume creates a volume whose samples equal 1 + x + 2y + 3z at grid point (x,y,z)
func createRampVolume(t *testing.T, dims models.Index3) *volume.Volume {
	t.Helper()
	v, err := volume.NewZero(dims, [3]float64{1, 1, 1}, models.DataClassContinuous)
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				v.Set(i, j, k, 1+float64(i)+2*float64(j)+3*float64(k))
			}
		}
	}
	return v
}

func allKinds() []Kind {
	return []Kind{NearestNeighbor, Linear, Cubic, CosineSinc}
}

func TestGridPointsAreReproduced(t *testing.T) {
	v := createRampVolume(t, models.Index3{5, 4, 3})

	for _, kind := range allKinds() {
		interp, err := New(kind, v)
		if err != nil {
			t.Fatalf("New(%v): %v", kind, err)
		}
		for _, idx := range []models.Index3{{0, 0, 0}, {2, 1, 1}, {4, 3, 2}} {
			got, ok := interp.GetDataAtIndex(r3.Vec{X: float64(idx[0]), Y: float64(idx[1]), Z: float64(idx[2])})
			if !ok {
				t.Errorf("%v: grid point %v reported invalid", kind, idx)
				continue
			}
			want := v.At(idx[0], idx[1], idx[2])
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("%v: expected %f at %v, got %f", kind, want, idx, got)
			}
		}
	}
}

func TestBoundaryValidity(t *testing.T) {
	v := createRampVolume(t, models.Index3{4, 4, 4})

	for _, kind := range allKinds() {
		interp, err := New(kind, v)
		if err != nil {
			t.Fatalf("New(%v): %v", kind, err)
		}

		// last in-bounds coordinate
		if _, ok := interp.GetDataAtIndex(r3.Vec{X: 3, Y: 3, Z: 3}); !ok {
			t.Errorf("%v: last grid point must be valid", kind)
		}

		outside := []r3.Vec{
			{X: -1, Y: 1, Z: 1},
			{X: 4, Y: 1, Z: 1},
			{X: 1, Y: -1, Z: 1},
			{X: 1, Y: 4, Z: 1},
			{X: 1, Y: 1, Z: -1},
			{X: 1, Y: 1, Z: 4},
			{X: math.NaN(), Y: 1, Z: 1},
		}
		for _, idx := range outside {
			if value, ok := interp.GetDataAtIndex(idx); ok {
				t.Errorf("%v: expected invalid at %v, got %f", kind, idx, value)
			}
		}
	}
}

func TestLinearIsExactOnRamp(t *testing.T) {
	v := createRampVolume(t, models.Index3{4, 4, 4})
	interp, err := New(Linear, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx := r3.Vec{X: 1.25, Y: 2.5, Z: 0.75}
	got, ok := interp.GetDataAtIndex(idx)
	if !ok {
		t.Fatal("Expected valid sample")
	}
	want := 1 + idx.X + 2*idx.Y + 3*idx.Z
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %f, got %f", want, got)
	}

	gi := interp.(GradientInterpolator)
	value, grad, ok := gi.GetDataAndGradientAtIndex(idx)
	if !ok || math.Abs(value-want) > 1e-12 {
		t.Fatalf("Unexpected value %f (ok=%v)", value, ok)
	}
	if math.Abs(grad.X-1) > 1e-12 || math.Abs(grad.Y-2) > 1e-12 || math.Abs(grad.Z-3) > 1e-12 {
		t.Errorf("Expected gradient (1,2,3), got %v", grad)
	}
}

func TestCubicReproducesLinearFunctions(t *testing.T) {
	v := createRampVolume(t, models.Index3{6, 6, 6})
	interp, err := New(Cubic, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// away from the border the Keys kernel reproduces linear functions exactly
	idx := r3.Vec{X: 2.3, Y: 2.6, Z: 2.1}
	got, ok := interp.GetDataAtIndex(idx)
	if !ok {
		t.Fatal("Expected valid sample")
	}
	want := 1 + idx.X + 2*idx.Y + 3*idx.Z
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %f, got %f", want, got)
	}
}

func TestNearestRounding(t *testing.T) {
	v := createRampVolume(t, models.Index3{3, 3, 3})
	interp, _ := New(NearestNeighbor, v)

	got, ok := interp.GetDataAtIndex(r3.Vec{X: 1.49, Y: 0.51, Z: -0.4})
	if !ok {
		t.Fatal("Expected valid sample within half a voxel of the grid")
	}
	if want := v.At(1, 1, 0); got != want {
		t.Errorf("Expected %f, got %f", want, got)
	}
}

func TestGetDataAtUsesPhysicalCoordinates(t *testing.T) {
	v := createRampVolume(t, models.Index3{4, 4, 4})
	v.Delta = [3]float64{2, 2, 2}
	v.Offset = r3.Vec{X: 10, Y: 0, Z: 0}
	interp, _ := New(Linear, v)

	got, ok := interp.GetDataAt(r3.Vec{X: 12, Y: 2, Z: 4})
	if !ok {
		t.Fatal("Expected valid sample")
	}
	if want := v.At(1, 1, 2); math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %f, got %f", want, got)
	}
}

func TestKindForDataClass(t *testing.T) {
	v := createRampVolume(t, models.Index3{2, 2, 2})
	if KindForDataClass(Cubic, v) != Cubic {
		t.Error("Continuous data should keep the requested kernel")
	}
	v.Class = models.DataClassLabel
	if KindForDataClass(Cubic, v) != NearestNeighbor {
		t.Error("Label data must use nearest neighbour")
	}

	// a blending kernel on labels is a warning, not an error
	if _, err := New(Linear, v); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range allKinds() {
		parsed, err := ParseKind(kind.String())
		if err != nil || parsed != kind {
			t.Errorf("ParseKind(%q) = %v, %v", kind.String(), parsed, err)
		}
	}
	if _, err := ParseKind("bspline"); err == nil {
		t.Error("Expected error for unknown kernel")
	}
}

func BenchmarkLinear(b *testing.B) {
	v, _ := volume.NewZero(models.Index3{64, 64, 64}, [3]float64{1, 1, 1}, models.DataClassContinuous)
	interp, _ := New(Linear, v)
	idx := r3.Vec{X: 31.3, Y: 12.7, Z: 40.1}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		interp.GetDataAtIndex(idx)
	}
}
