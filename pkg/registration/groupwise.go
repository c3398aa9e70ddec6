package registration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"voxelreg/pkg/interpolation"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// GroupwiseFunctional is the mean pairwise similarity of N images after each has been
// reformatted onto a common template grid by its own transformation.
type GroupwiseFunctional struct {
	opts     Options
	template *volume.Volume
	targets  []*volume.Volume
	xforms   []xform.Transform
	interps  []interpolation.Interpolator
	pairs    []imagePair
	logger   *slog.Logger
}

type imagePair struct {
	a, b  int
	proto metric.Metric
}

// NewGroupwiseFunctional sets up a groupwise functional. xforms[i] maps template space
// into the space of targets[i].
func NewGroupwiseFunctional(template *volume.Volume, targets []*volume.Volume, xforms []xform.Transform, opts Options) (*GroupwiseFunctional, error) {
	if len(targets) < 2 {
		return nil, fmt.Errorf("groupwise registration needs at least two images, got %d", len(targets))
	}
	if len(xforms) != len(targets) {
		return nil, fmt.Errorf("%d transformations for %d images", len(xforms), len(targets))
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}

	g := &GroupwiseFunctional{
		opts:     opts,
		template: template,
		targets:  targets,
		xforms:   xforms,
		logger:   slog.Default().With("component", "groupwise"),
	}
	for i, target := range targets {
		interp, err := interpolation.New(interpolation.KindForDataClass(opts.Interpolation, target), target)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		g.interps = append(g.interps, interp)
	}
	for a := 0; a < len(targets); a++ {
		for b := a + 1; b < len(targets); b++ {
			proto, err := metric.New(opts.Metric, targets[a], targets[b], opts.Bins)
			if err != nil {
				return nil, fmt.Errorf("images %d and %d: %w", a, b, err)
			}
			g.pairs = append(g.pairs, imagePair{a: a, b: b, proto: proto})
		}
	}

	g.logger.Debug("groupwise functional ready",
		slog.Int("images", len(targets)),
		slog.Int("pairs", len(g.pairs)),
		slog.String("metric", opts.Metric.String()))
	return g, nil
}

// Xforms returns the per-image transformations.
func (g *GroupwiseFunctional) Xforms() []xform.Transform { return g.xforms }

// Metric is the kind of similarity computed for each pair.
func (g *GroupwiseFunctional) Metric() metric.Kind { return g.opts.Metric }

// Dim is the total number of parameters over all transformations.
func (g *GroupwiseFunctional) Dim() int {
	n := 0
	for _, x := range g.xforms {
		n += x.NumParams()
	}
	return n
}

// ParamVector concatenates the parameters of all transformations in image order.
func (g *GroupwiseFunctional) ParamVector() []float64 {
	out := make([]float64, 0, g.Dim())
	for _, x := range g.xforms {
		out = append(out, x.ParamVector()...)
	}
	return out
}

// SetParamVector distributes params over the transformations. It panics if the length
// does not match Dim.
func (g *GroupwiseFunctional) SetParamVector(params []float64) {
	if len(params) != g.Dim() {
		panic(fmt.Sprintf("registration: parameter vector length %d, expected %d", len(params), g.Dim()))
	}
	for _, x := range g.xforms {
		n := x.NumParams()
		x.SetParamVector(params[:n])
		params = params[n:]
	}
}

// ParamScales concatenates the parameter scales of all transformations.
func (g *GroupwiseFunctional) ParamScales() []float64 {
	out := make([]float64, 0, g.Dim())
	for _, x := range g.xforms {
		out = append(out, paramScales(x)...)
	}
	return out
}

// Reformat samples target n on the template grid. Template voxels that map outside the
// target hold NaN.
func (g *GroupwiseFunctional) Reformat(ctx context.Context, n int) (*volume.Volume, error) {
	out := g.template.CloneGrid()
	out.Class = g.targets[n].Class
	x, interp := g.xforms[n], g.interps[n]

	for k := 0; k < out.Dims[2]; k++ {
		for j := 0; j < out.Dims[1]; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			row := out.OffsetOf(0, j, k)
			for i := 0; i < out.Dims[0]; i++ {
				value, ok := interp.GetDataAt(x.Apply(out.GridPoint(i, j, k)))
				if !ok {
					value = math.NaN()
				}
				out.Data[row+i] = value
			}
		}
	}
	return out, nil
}

// Evaluate reformats all images concurrently, then compares every pair concurrently over
// the template crop region. The value is the mean over pairs; Samples is the smallest
// pair sample count. progress is called once per finished pair.
func (g *GroupwiseFunctional) Evaluate(ctx context.Context, progress ProgressFunc) (Result, error) {
	reformatted := make([]*volume.Volume, len(g.targets))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Threads)
	for i := range g.targets {
		eg.Go(func() error {
			v, err := g.Reformat(egCtx, i)
			reformatted[i] = v
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	results := make([]Result, len(g.pairs))
	var done atomic.Int64
	eg, egCtx = errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Threads)
	for p, pair := range g.pairs {
		eg.Go(func() error {
			res, err := g.comparePair(egCtx, pair, reformatted[pair.a], reformatted[pair.b])
			results[p] = res
			if err == nil && progress != nil {
				progress(int(done.Add(1)), len(g.pairs))
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	out := Result{Samples: results[0].Samples}
	for _, r := range results {
		out.Value += r.Value
		out.Samples = min(out.Samples, r.Samples)
	}
	out.Value /= float64(len(results))
	return out, nil
}

func (g *GroupwiseFunctional) comparePair(ctx context.Context, pair imagePair, a, b *volume.Volume) (Result, error) {
	acc := pair.proto.NewEmpty()
	region := g.template.CropRegion()
	for k := region.From[2]; k < region.To[2]; k++ {
		for j := region.From[1]; j < region.To[1]; j++ {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			row := a.OffsetOf(0, j, k)
			for i := region.From[0]; i < region.To[0]; i++ {
				x, y := a.Data[row+i], b.Data[row+i]
				if math.IsNaN(x) || math.IsNaN(y) {
					continue
				}
				if !g.opts.FloatingMask.Contains(x) || !g.opts.FloatingMask.Contains(y) {
					continue
				}
				acc.Increment(x, y)
			}
		}
	}
	return Result{Value: acc.Reduce(), Samples: acc.Samples()}, nil
}
