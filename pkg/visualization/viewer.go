// Package visualization renders quality-assurance slices of registered volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"voxelreg/pkg/interpolation"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// Viewer extracts grey-level slices from a volume. Sample values are windowed linearly
// from the volume's value range onto the full 16-bit grey scale.
type Viewer struct {
	vol    *volume.Volume
	lo, hi float64
}

// NewViewer creates a viewer windowed to the value range of v.
func NewViewer(v *volume.Volume) *Viewer {
	lo, hi := v.ValueRange()
	return &Viewer{vol: v, lo: lo, hi: hi}
}

// SetWindow overrides the value range mapped onto black to white.
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo || math.IsNaN(value) {
		return color.Gray16{}
	}
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// sliceAxes returns the grid axes spanning a slice perpendicular to axis, in image x, y order.
func sliceAxes(axis string) (normal, u, w int, err error) {
	switch axis {
	case "x", "X":
		return 0, 2, 1, nil
	case "y", "Y":
		return 1, 0, 2, nil
	case "z", "Z":
		return 2, 0, 1, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// slice calls fn for every grid point of the slice through position along axis.
func (v *Viewer) slice(axis string, position int, fn func(px, py int, idx [3]int)) error {
	normal, u, w, err := sliceAxes(axis)
	if err != nil {
		return err
	}
	if position < 0 || position >= v.vol.Dims[normal] {
		return fmt.Errorf("position %d outside [0,%d) along %s", position, v.vol.Dims[normal], axis)
	}

	var idx [3]int
	idx[normal] = position
	for py := 0; py < v.vol.Dims[w]; py++ {
		idx[w] = py
		for px := 0; px < v.vol.Dims[u]; px++ {
			idx[u] = px
			fn(px, py, idx)
		}
	}
	return nil
}

// ExtractSlice returns the slice through grid position along axis at grid resolution.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	_, u, w, err := sliceAxes(axis)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, v.vol.Dims[u], v.vol.Dims[w]))
	if err := v.slice(axis, position, func(px, py int, idx [3]int) {
		img.SetGray16(px, py, v.gray(v.vol.At(idx[0], idx[1], idx[2])))
	}); err != nil {
		return nil, err
	}
	return img, nil
}

// ScaleToAspect resamples a slice taken along axis so that pixels are square in physical
// space, at the finest in-plane spacing.
func (v *Viewer) ScaleToAspect(img image.Image, axis string) (image.Image, error) {
	_, u, w, err := sliceAxes(axis)
	if err != nil {
		return nil, err
	}
	du, dw := v.vol.Delta[u], v.vol.Delta[w]
	pixel := math.Min(du, dw)
	b := img.Bounds()
	width := int(math.Round(float64(b.Dx()) * du / pixel))
	height := int(math.Round(float64(b.Dy()) * dw / pixel))
	if width == b.Dx() && height == b.Dy() {
		return img, nil
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// SaveSlice writes img as a PNG file.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence writes every slice along axis, corrected to physical aspect ratio.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	normal, _, _, err := sliceAxes(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.vol.Dims[normal]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		scaled, err := v.ScaleToAspect(img, axis)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveSlice(scaled, filename); err != nil {
			return err
		}
	}
	return nil
}

// Fusion renders a checkerboard of the reference slice and the floating volume resampled
// through x onto the same slice. Tiles are tile pixels wide; floating samples outside the
// floating volume are black.
func Fusion(ref, flt *volume.Volume, x xform.Transform, axis string, position, tile int) (*image.Gray16, error) {
	if tile <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tile)
	}
	interp, err := interpolation.New(interpolation.KindForDataClass(interpolation.Linear, flt), flt)
	if err != nil {
		return nil, err
	}

	refView, fltView := NewViewer(ref), NewViewer(flt)
	_, u, w, err := sliceAxes(axis)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, ref.Dims[u], ref.Dims[w]))
	if err := refView.slice(axis, position, func(px, py int, idx [3]int) {
		if (px/tile+py/tile)%2 == 0 {
			img.SetGray16(px, py, refView.gray(ref.At(idx[0], idx[1], idx[2])))
			return
		}
		value, ok := interp.GetDataAt(x.Apply(ref.GridPoint(idx[0], idx[1], idx[2])))
		if !ok {
			return
		}
		img.SetGray16(px, py, fltView.gray(value))
	}); err != nil {
		return nil, err
	}
	return img, nil
}
