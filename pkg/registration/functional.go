// Package registration evaluates and optimizes voxel similarity between images under a
// parametric coordinate transformation.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/internal/models"
	"voxelreg/pkg/interpolation"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// ErrNoOverlap is returned by operations that require at least one valid voxel pair.
var ErrNoOverlap = errors.New("no overlap between reference and floating image")

// ProgressFunc is called once per finished crop-region row with the number of rows done
// so far. Rows finish concurrently, so implementations must be safe for concurrent use.
type ProgressFunc func(completed, total int)

// Options configures a functional.
type Options struct {
	Metric        metric.Kind
	Interpolation interpolation.Kind

	// Bins is the histogram bin count for continuous data; zero means metric.DefaultBins
	Bins int

	// Threads bounds the number of concurrently evaluated row sets; zero means all CPUs
	Threads int

	// ReferenceMask and FloatingMask exclude voxel pairs whose values fall outside them
	ReferenceMask models.IntensityRange
	FloatingMask  models.IntensityRange
}

// DefaultOptions returns normalized mutual information with trilinear interpolation.
func DefaultOptions() Options {
	return Options{
		Metric:        metric.NormalizedMutualInformation,
		Interpolation: interpolation.Linear,
		Bins:          metric.DefaultBins,
		Threads:       runtime.NumCPU(),
	}
}

// Result is one evaluation of a functional.
type Result struct {
	// Value is the reduced metric. Without samples it is the metric's neutral value.
	Value float64

	// Samples is the number of voxel pairs that contributed
	Samples int
}

// CheckOverlap returns ErrNoOverlap when no voxel pair contributed to r.
func (r Result) CheckOverlap() error {
	if r.Samples == 0 {
		return ErrNoOverlap
	}
	return nil
}

// ImagePairFunctional is the similarity of a reference and a floating volume under a
// transformation from reference to floating space.
//
// The functional owns the parameters of its transformation: EvaluateAt and the optimizer
// change them in place. Volumes are only read.
type ImagePairFunctional struct {
	opts   Options
	xform  xform.Transform
	logger *slog.Logger

	// mu is held for reading by evaluations and for writing by setup changes
	mu sync.RWMutex

	ref     *volume.Volume
	refCrop models.Region

	flt         *volume.Volume
	fltInterp   interpolation.Interpolator
	fltInvDelta r3.Vec
	fltCrop     models.CoordinateRegion
	fltCropFrom r3.Vec
	fltCropTo   r3.Vec
	fltCropped  bool

	proto metric.Metric
}

// NewImagePairFunctional sets up a functional. It fails when the metric cannot handle the
// data class of the floating volume.
func NewImagePairFunctional(ref, flt *volume.Volume, x xform.Transform, opts Options) (*ImagePairFunctional, error) {
	if ref == nil || flt == nil || x == nil {
		return nil, fmt.Errorf("functional needs reference, floating image and transformation")
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}

	f := &ImagePairFunctional{
		opts:   opts,
		xform:  x,
		logger: slog.Default().With("component", "registration"),
	}
	f.setReference(ref)
	if err := f.setFloating(flt); err != nil {
		return nil, err
	}
	if err := f.updateMetric(); err != nil {
		return nil, err
	}

	f.logger.Debug("functional ready",
		slog.String("metric", opts.Metric.String()),
		slog.String("interpolation", f.kernel().String()),
		slog.String("referenceCrop", f.refCrop.String()),
		slog.Int("threads", opts.Threads))
	return f, nil
}

// InitReference replaces the reference volume and recomputes everything derived from it.
func (f *ImagePairFunctional) InitReference(ref *volume.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setReference(ref)
	return f.updateMetric()
}

// InitFloating replaces the floating volume and recomputes everything derived from it.
func (f *ImagePairFunctional) InitFloating(flt *volume.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setFloating(flt); err != nil {
		return err
	}
	return f.updateMetric()
}

// SetBins changes the histogram bin count. It waits for running evaluations to finish.
func (f *ImagePairFunctional) SetBins(bins int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts.Bins = bins
	return f.updateMetric()
}

func (f *ImagePairFunctional) setReference(ref *volume.Volume) {
	f.ref = ref
	f.refCrop = ref.CropRegion()
}

func (f *ImagePairFunctional) kernel() interpolation.Kind {
	return interpolation.KindForDataClass(f.opts.Interpolation, f.flt)
}

func (f *ImagePairFunctional) setFloating(flt *volume.Volume) error {
	f.flt = flt
	interp, err := interpolation.New(f.kernel(), flt)
	if err != nil {
		return err
	}
	f.fltInterp = interp
	f.fltInvDelta = r3.Vec{X: 1 / flt.Delta[0], Y: 1 / flt.Delta[1], Z: 1 / flt.Delta[2]}

	crop := flt.CropRegion()
	f.fltCrop = flt.HighResCropRegion()
	f.fltCropped = crop != models.Region{To: flt.Dims}
	f.fltCropFrom = flt.FractionalIndex(r3.Vec{X: f.fltCrop.From[0], Y: f.fltCrop.From[1], Z: f.fltCrop.From[2]})
	f.fltCropTo = flt.FractionalIndex(r3.Vec{X: f.fltCrop.To[0], Y: f.fltCrop.To[1], Z: f.fltCrop.To[2]})
	return nil
}

func (f *ImagePairFunctional) updateMetric() error {
	proto, err := metric.New(f.opts.Metric, f.ref, f.flt, f.opts.Bins)
	if err != nil {
		return err
	}
	f.proto = proto
	return nil
}

// Transform returns the transformation whose parameters the functional evaluates.
func (f *ImagePairFunctional) Transform() xform.Transform { return f.xform }

// Metric is the kind of similarity the functional computes.
func (f *ImagePairFunctional) Metric() metric.Kind { return f.opts.Metric }

// Dim is the number of transformation parameters.
func (f *ImagePairFunctional) Dim() int { return f.xform.NumParams() }

// ParamVector returns a copy of the current transformation parameters.
func (f *ImagePairFunctional) ParamVector() []float64 { return f.xform.ParamVector() }

// SetParamVector replaces the transformation parameters.
func (f *ImagePairFunctional) SetParamVector(params []float64) { f.xform.SetParamVector(params) }

// ParamScales returns the typical magnitude of a meaningful change per parameter.
func (f *ImagePairFunctional) ParamScales() []float64 { return paramScales(f.xform) }

// ReferenceGridRange returns the reference grid points that lie in region, limited to the
// reference crop region.
func (f *ImagePairFunctional) ReferenceGridRange(region models.CoordinateRegion) models.Region {
	offset := [3]float64{f.ref.Offset.X, f.ref.Offset.Y, f.ref.Offset.Z}
	var out models.Region
	for dim := 0; dim < 3; dim++ {
		from := math.Floor((region.From[dim] - offset[dim]) / f.ref.Delta[dim])
		to := math.Floor((region.To[dim]-offset[dim])/f.ref.Delta[dim]) + 1
		out.From[dim] = int(math.Max(from, float64(f.refCrop.From[dim])))
		out.To[dim] = int(math.Min(to, float64(f.refCrop.To[dim])))
		if out.To[dim] < out.From[dim] {
			out.To[dim] = out.From[dim]
		}
	}
	return out
}

// evaluationRegion bounds the reference voxels worth visiting. For an affine transformation it
// is the preimage of the padded floating crop region; otherwise, with aff nil, the whole
// reference crop.
func (f *ImagePairFunctional) evaluationRegion(aff *xform.Affine) models.Region {
	if aff == nil {
		return f.refCrop
	}
	inv, err := aff.Inverse()
	if err != nil {
		return f.refCrop
	}

	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for corner := 0; corner < 8; corner++ {
		var c [3]float64
		for dim := 0; dim < 3; dim++ {
			if corner&(1<<dim) == 0 {
				c[dim] = f.fltCrop.From[dim] - f.flt.Delta[dim]
			} else {
				c[dim] = f.fltCrop.To[dim] + f.flt.Delta[dim]
			}
		}
		p := inv.Apply(r3.Vec{X: c[0], Y: c[1], Z: c[2]})
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}

	half := r3.Scale(0.5, r3.Vec{X: f.ref.Delta[0], Y: f.ref.Delta[1], Z: f.ref.Delta[2]})
	lo, hi = r3.Sub(lo, half), r3.Add(hi, half)
	return f.ReferenceGridRange(models.CoordinateRegion{
		From: [3]float64{lo.X, lo.Y, lo.Z},
		To:   [3]float64{hi.X, hi.Y, hi.Z},
	})
}

// Evaluate computes the similarity for the current transformation parameters. Rows of the
// reference crop region are spread over Options.Threads workers whose partial accumulators
// are merged at the end. Cancellation is checked before each row; a cancelled evaluation
// returns ctx.Err() and no partial result.
func (f *ImagePairFunctional) Evaluate(ctx context.Context, progress ProgressFunc) (Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	aff, _ := f.xform.(*xform.Affine)
	region := f.evaluationRegion(aff)
	if region.Empty() {
		return Result{Value: f.proto.NewEmpty().Reduce()}, nil
	}

	ny := region.To[1] - region.From[1]
	rows := ny * (region.To[2] - region.From[2])
	workers := max(1, min(f.opts.Threads, rows))

	partials := make([]metric.Metric, workers)
	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		acc := f.proto.NewEmpty()
		partials[w] = acc
		g.Go(func() error {
			// interleaved rows keep workers balanced when the overlap is lopsided
			for row := w; row < rows; row += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				f.accumulateRow(acc, aff, region, region.From[1]+row%ny, region.From[2]+row/ny)
				if progress != nil {
					progress(int(done.Add(1)), rows)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	total := f.proto.NewEmpty()
	for _, p := range partials {
		total.Merge(p)
	}
	return Result{Value: total.Reduce(), Samples: total.Samples()}, nil
}

// accumulateRow adds the sample pairs of reference row (j,k) to acc. A non-nil aff steps
// through the row incrementally instead of mapping every voxel.
func (f *ImagePairFunctional) accumulateRow(acc metric.Metric, aff *xform.Affine, region models.Region, j, k int) {
	var start, step r3.Vec
	if aff != nil {
		start = aff.Apply(f.ref.GridPoint(region.From[0], j, k))
		step = r3.Sub(aff.Apply(f.ref.GridPoint(region.From[0]+1, j, k)), start)
	}

	base := f.ref.OffsetOf(0, j, k)
	for i := region.From[0]; i < region.To[0]; i++ {
		x := f.ref.Data[base+i]
		if !f.opts.ReferenceMask.Contains(x) {
			continue
		}

		var q r3.Vec
		if aff != nil {
			q = r3.Add(start, r3.Scale(float64(i-region.From[0]), step))
		} else {
			q = f.xform.Apply(f.ref.GridPoint(i, j, k))
		}

		idx := r3.Vec{
			X: (q.X - f.flt.Offset.X) * f.fltInvDelta.X,
			Y: (q.Y - f.flt.Offset.Y) * f.fltInvDelta.Y,
			Z: (q.Z - f.flt.Offset.Z) * f.fltInvDelta.Z,
		}
		if f.fltCropped && !f.insideFloatingCrop(idx) {
			continue
		}

		y, ok := f.fltInterp.GetDataAtIndex(idx)
		if !ok || !f.opts.FloatingMask.Contains(y) {
			continue
		}
		acc.Increment(x, y)
	}
}

func (f *ImagePairFunctional) insideFloatingCrop(idx r3.Vec) bool {
	return idx.X >= f.fltCropFrom.X && idx.X <= f.fltCropTo.X &&
		idx.Y >= f.fltCropFrom.Y && idx.Y <= f.fltCropTo.Y &&
		idx.Z >= f.fltCropFrom.Z && idx.Z <= f.fltCropTo.Z
}

// EvaluateAt sets the transformation parameters and evaluates.
func (f *ImagePairFunctional) EvaluateAt(ctx context.Context, params []float64) (Result, error) {
	f.SetParamVector(params)
	return f.Evaluate(ctx, nil)
}

// EvaluateWithGradient evaluates at params and estimates the gradient of the metric value
// with respect to each parameter by central differences. Parameter i is perturbed by
// step*ParamScales()[i]. The parameters are left at params.
func (f *ImagePairFunctional) EvaluateWithGradient(ctx context.Context, params []float64, step float64) (Result, []float64, error) {
	grad, err := parameterGradient(ctx, f, params, step)
	if err != nil {
		return Result{}, nil, err
	}
	res, err := f.EvaluateAt(ctx, params)
	if err != nil {
		return Result{}, nil, err
	}
	return res, grad, nil
}
