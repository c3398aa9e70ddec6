package interpolation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelreg/pkg/volume"
)

// linear is trilinear interpolation over the 8 surrounding grid points.
type linear struct {
	vol *volume.Volume
}

func (l *linear) GetDataAt(p r3.Vec) (float64, bool) {
	return l.GetDataAtIndex(l.vol.FractionalIndex(p))
}

func (l *linear) GetDataAtIndex(idx r3.Vec) (float64, bool) {
	base, frac, ok := locate(idx, l.vol.Dims)
	if !ok {
		return 0, false
	}
	c := l.corners(base)
	fx, fy, fz := frac[0], frac[1], frac[2]

	c00 := c[0]*(1-fx) + c[1]*fx
	c10 := c[2]*(1-fx) + c[3]*fx
	c01 := c[4]*(1-fx) + c[5]*fx
	c11 := c[6]*(1-fx) + c[7]*fx
	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz, true
}

// GetDataAndGradientAtIndex returns the trilinear value and its partial derivatives.
func (l *linear) GetDataAndGradientAtIndex(idx r3.Vec) (float64, r3.Vec, bool) {
	base, frac, ok := locate(idx, l.vol.Dims)
	if !ok {
		return 0, r3.Vec{}, false
	}
	c := l.corners(base)
	fx, fy, fz := frac[0], frac[1], frac[2]

	// corner order: x fastest, then y, then z
	var value float64
	var grad r3.Vec
	for n := 0; n < 8; n++ {
		wx, dx := 1-fx, -1.0
		if n&1 != 0 {
			wx, dx = fx, 1
		}
		wy, dy := 1-fy, -1.0
		if n&2 != 0 {
			wy, dy = fy, 1
		}
		wz, dz := 1-fz, -1.0
		if n&4 != 0 {
			wz, dz = fz, 1
		}
		value += c[n] * wx * wy * wz
		grad.X += c[n] * dx * wy * wz
		grad.Y += c[n] * wx * dy * wz
		grad.Z += c[n] * wx * wy * dz
	}
	return value, grad, true
}

func (l *linear) corners(base [3]int) [8]float64 {
	dims := l.vol.Dims
	i0, i1 := base[0], clampIndex(base[0]+1, dims[0])
	j0, j1 := base[1], clampIndex(base[1]+1, dims[1])
	k0, k1 := base[2], clampIndex(base[2]+1, dims[2])
	return [8]float64{
		l.vol.At(i0, j0, k0), l.vol.At(i1, j0, k0),
		l.vol.At(i0, j1, k0), l.vol.At(i1, j1, k0),
		l.vol.At(i0, j0, k1), l.vol.At(i1, j0, k1),
		l.vol.At(i0, j1, k1), l.vol.At(i1, j1, k1),
	}
}

const sincRadius = 3

// kernelInterpolator applies a separable kernel with 2*radius taps per axis.
// Taps that fall off the grid repeat the border sample.
type kernelInterpolator struct {
	vol     *volume.Volume
	radius  int
	weights func(frac float64, w []float64)
}

func (ki *kernelInterpolator) GetDataAt(p r3.Vec) (float64, bool) {
	return ki.GetDataAtIndex(ki.vol.FractionalIndex(p))
}

func (ki *kernelInterpolator) GetDataAtIndex(idx r3.Vec) (float64, bool) {
	base, frac, ok := locate(idx, ki.vol.Dims)
	if !ok {
		return 0, false
	}

	taps := 2 * ki.radius
	var buf [3][2 * sincRadius]float64
	for dim := 0; dim < 3; dim++ {
		ki.weights(frac[dim], buf[dim][:taps])
	}

	dims := ki.vol.Dims
	value, total := 0.0, 0.0
	for k := 0; k < taps; k++ {
		kk := clampIndex(base[2]+k-ki.radius+1, dims[2])
		for j := 0; j < taps; j++ {
			jj := clampIndex(base[1]+j-ki.radius+1, dims[1])
			wjk := buf[1][j] * buf[2][k]
			for i := 0; i < taps; i++ {
				ii := clampIndex(base[0]+i-ki.radius+1, dims[0])
				w := buf[0][i] * wjk
				value += w * ki.vol.At(ii, jj, kk)
				total += w
			}
		}
	}

	if total == 0 {
		return 0, false
	}
	return value / total, true
}

// cubicWeights evaluates the Keys cubic convolution kernel (a = -0.5) at taps -1..2.
func cubicWeights(t float64, w []float64) {
	const a = -0.5
	for i := range w {
		d := math.Abs(float64(i-1) - t)
		switch {
		case d <= 1:
			w[i] = (a+2)*d*d*d - (a+3)*d*d + 1
		case d < 2:
			w[i] = a*d*d*d - 5*a*d*d + 8*a*d - 4*a
		default:
			w[i] = 0
		}
	}
}

// cosineSincWeights evaluates a cosine-windowed sinc kernel at taps -(r-1)..r.
func cosineSincWeights(t float64, w []float64) {
	r := float64(len(w) / 2)
	for i := range w {
		d := float64(i) - (r - 1) - t
		if d == 0 {
			w[i] = 1
			continue
		}
		if math.Abs(d) >= r {
			w[i] = 0
			continue
		}
		piD := math.Pi * d
		w[i] = math.Sin(piD) / piD * math.Cos(piD/(2*r))
	}
}
