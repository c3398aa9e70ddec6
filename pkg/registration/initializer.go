package registration

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// InitializerOptions toggles the heuristics of AffineInitializer independently.
type InitializerOptions struct {
	// AlignCenters translates the crop-region center of every image onto the center of the
	// template grid
	AlignCenters bool

	// AlignCenterOfMass uses intensity centers of mass instead of geometric centers
	AlignCenterOfMass bool

	// InitScales scales each image so that its spatial spread matches the group mean
	InitScales bool

	// CenterInTemplateFOV shifts the aligned group so that the bounding box of all images,
	// seen in template space, is centered in the template crop region
	CenterInTemplateFOV bool
}

// AffineInitializer computes starting transformations for groupwise registration from
// image moments. It runs no search.
type AffineInitializer struct {
	Options InitializerOptions
	logger  *slog.Logger
}

// NewAffineInitializer returns an initializer with the given heuristics enabled.
func NewAffineInitializer(opts InitializerOptions) *AffineInitializer {
	return &AffineInitializer{
		Options: opts,
		logger:  slog.Default().With("component", "initializer"),
	}
}

// CreateTemplateGridFromTargets returns an empty continuous volume whose grid covers the
// physical extent of every target. spacing <= 0 uses the finest spacing of any target.
func (a *AffineInitializer) CreateTemplateGridFromTargets(targets []*volume.Volume, spacing float64) (*volume.Volume, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target images")
	}

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	finest := math.Inf(1)
	for _, t := range targets {
		from := [3]float64{t.Offset.X, t.Offset.Y, t.Offset.Z}
		size := t.Size()
		extent := [3]float64{size.X, size.Y, size.Z}
		for dim := 0; dim < 3; dim++ {
			lo[dim] = math.Min(lo[dim], from[dim])
			hi[dim] = math.Max(hi[dim], from[dim]+extent[dim])
			finest = math.Min(finest, t.Delta[dim])
		}
	}
	if spacing <= 0 {
		spacing = finest
	}

	var dims models.Index3
	for dim := 0; dim < 3; dim++ {
		// the small slack keeps an exact multiple of spacing from losing its last point
		dims[dim] = int(math.Floor((hi[dim]-lo[dim])/spacing+1e-9)) + 1
	}
	template, err := volume.NewZero(dims, [3]float64{spacing, spacing, spacing}, models.DataClassContinuous)
	if err != nil {
		return nil, err
	}
	template.Offset = r3.Vec{X: lo[0], Y: lo[1], Z: lo[2]}

	a.logger.Debug("template grid",
		slog.Any("dims", dims),
		slog.Float64("spacing", spacing))
	return template, nil
}

// InitializeXforms returns one affine map per target, from template space into that
// target's space.
func (a *AffineInitializer) InitializeXforms(template *volume.Volume, targets []*volume.Volume) ([]*xform.Affine, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target images")
	}

	opts := a.Options
	n := len(targets)
	centers := make([]r3.Vec, n)
	spreads := make([]r3.Vec, n)
	for i, t := range targets {
		var m volume.Moments
		if opts.AlignCenterOfMass || opts.InitScales {
			m = t.ComputeMoments()
			if m.Mass == 0 && opts.AlignCenterOfMass {
				a.logger.Warn("image has no mass; using its geometric center", slog.Int("image", i))
			}
		}
		switch {
		case opts.AlignCenterOfMass:
			centers[i] = m.CenterOfMass
		case opts.AlignCenters:
			centers[i] = t.CropCenter()
		}
		spreads[i] = m.StdDev
	}

	centering := opts.AlignCenters || opts.AlignCenterOfMass
	anchor := template.CropCenter()
	if !centering {
		for i := range centers {
			centers[i] = anchor
		}
	}

	meanSpread := meanVec(spreads)
	scales := make([]r3.Vec, n)
	for i := range targets {
		scales[i] = r3.Vec{X: 1, Y: 1, Z: 1}
		if opts.InitScales {
			scales[i] = r3.Vec{
				X: spreadRatio(spreads[i].X, meanSpread.X),
				Y: spreadRatio(spreads[i].Y, meanSpread.Y),
				Z: spreadRatio(spreads[i].Z, meanSpread.Z),
			}
		}
	}

	if opts.CenterInTemplateFOV {
		lo, hi := groupBounds(targets, centers, scales, anchor)
		mid := r3.Scale(0.5, r3.Add(lo, hi))
		anchor = r3.Add(anchor, r3.Sub(template.CropCenter(), mid))
	}

	xforms := make([]*xform.Affine, n)
	for i := range targets {
		scale, center := scales[i], centers[i]

		// q = center + S (p - anchor)
		matrix := [9]float64{scale.X, 0, 0, 0, scale.Y, 0, 0, 0, scale.Z}
		offset := r3.Sub(center, r3.Vec{X: scale.X * anchor.X, Y: scale.Y * anchor.Y, Z: scale.Z * anchor.Z})
		xforms[i] = xform.NewAffine(matrix, offset)
	}
	return xforms, nil
}

// groupBounds returns the bounding box, in template space, of the crop regions of all targets
// under the maps q = centers[i] + scales[i] (p - anchor).
func groupBounds(targets []*volume.Volume, centers, scales []r3.Vec, anchor r3.Vec) (lo, hi r3.Vec) {
	lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for i, t := range targets {
		crop := t.HighResCropRegion()
		for _, q := range []r3.Vec{
			{X: crop.From[0], Y: crop.From[1], Z: crop.From[2]},
			{X: crop.To[0], Y: crop.To[1], Z: crop.To[2]},
		} {
			d := r3.Sub(q, centers[i])
			p := r3.Add(anchor, r3.Vec{X: d.X / scales[i].X, Y: d.Y / scales[i].Y, Z: d.Z / scales[i].Z})
			lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
			hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
		}
	}
	return lo, hi
}

func meanVec(vs []r3.Vec) r3.Vec {
	xs := make([]float64, len(vs))
	ys := make([]float64, len(vs))
	zs := make([]float64, len(vs))
	for i, v := range vs {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return r3.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}

func spreadRatio(s, mean float64) float64 {
	if s <= 0 || mean <= 0 {
		return 1
	}
	return s / mean
}
