package metric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultBins is the bin count used for continuous data when none is configured.
	DefaultBins = 64

	// MaxLabelBins caps the automatic one-bin-per-label layout.
	MaxLabelBins = 512
)

// Binning maps sample values onto histogram bins. Values outside the range fall into
// the first or last bin.
type Binning struct {
	Min   float64
	Width float64
	Bins  int

	// Labels rounds values to the nearest bin instead of truncating, so that bin i holds
	// exactly the label Min+i when Width is one.
	Labels bool
}

// NewBinning spreads bins equally over [min, max].
func NewBinning(min, max float64, bins int) Binning {
	if bins <= 0 {
		bins = DefaultBins
	}
	width := (max - min) / float64(bins)
	if width <= 0 {
		width = 1
	}
	return Binning{Min: min, Width: width, Bins: bins}
}

// NewLabelBinning gives every integer label in [min, max] its own bin, as long as there
// are at most MaxLabelBins of them. Wider label ranges are binned like continuous data.
func NewLabelBinning(min, max float64) Binning {
	lo, hi := math.Floor(min), math.Ceil(max)
	n := int(hi-lo) + 1
	if n > MaxLabelBins {
		return NewBinning(min, max, MaxLabelBins)
	}
	return Binning{Min: lo, Width: 1, Bins: n, Labels: true}
}

// Bin returns the bin index of v.
func (b Binning) Bin(v float64) int {
	f := (v - b.Min) / b.Width
	var i int
	if b.Labels {
		i = int(math.Round(f))
	} else {
		i = int(math.Floor(f))
	}
	if i < 0 || math.IsNaN(f) {
		return 0
	}
	if i >= b.Bins {
		return b.Bins - 1
	}
	return i
}

// JointHistogram is a two-dimensional count of binned sample pairs.
type JointHistogram struct {
	X, Y   Binning
	counts []float64
	n      int
}

// NewJointHistogram returns an empty histogram with the given binnings.
func NewJointHistogram(x, y Binning) *JointHistogram {
	return &JointHistogram{X: x, Y: y, counts: make([]float64, x.Bins*y.Bins)}
}

func (h *JointHistogram) Increment(x, y float64) {
	h.counts[h.X.Bin(x)*h.Y.Bins+h.Y.Bin(y)]++
	h.n++
}

// Count is the number of samples in bin (i, j).
func (h *JointHistogram) Count(i, j int) float64 {
	return h.counts[i*h.Y.Bins+j]
}

// Samples is the total number of samples.
func (h *JointHistogram) Samples() int { return h.n }

// Reset clears all bins.
func (h *JointHistogram) Reset() {
	for i := range h.counts {
		h.counts[i] = 0
	}
	h.n = 0
}

// Add adds the counts of o, which must have identical binnings.
func (h *JointHistogram) Add(o *JointHistogram) {
	if h.X != o.X || h.Y != o.Y {
		panic(fmt.Sprintf("metric: joint histogram layout mismatch %dx%d vs %dx%d", h.X.Bins, h.Y.Bins, o.X.Bins, o.Y.Bins))
	}
	floats.Add(h.counts, o.counts)
	h.n += o.n
}

// Entropies returns the marginal entropies H(X), H(Y) and the joint entropy H(X,Y) in
// nats. Empty bins contribute nothing.
func (h *JointHistogram) Entropies() (hx, hy, hxy float64) {
	if h.n == 0 {
		return 0, 0, 0
	}
	inv := 1 / float64(h.n)
	px := make([]float64, h.X.Bins)
	py := make([]float64, h.Y.Bins)
	pxy := make([]float64, len(h.counts))
	for i := 0; i < h.X.Bins; i++ {
		row := h.counts[i*h.Y.Bins : (i+1)*h.Y.Bins]
		for j, c := range row {
			if c == 0 {
				continue
			}
			p := c * inv
			pxy[i*h.Y.Bins+j] = p
			px[i] += p
			py[j] += p
		}
	}
	// stat.Entropy skips zero probabilities
	return stat.Entropy(px), stat.Entropy(py), stat.Entropy(pxy)
}

// MI accumulates mutual information H(X)+H(Y)−H(X,Y).
type MI struct {
	*JointHistogram
}

// NewMI returns an empty mutual information accumulator.
func NewMI(x, y Binning) *MI {
	return &MI{NewJointHistogram(x, y)}
}

func (m *MI) Merge(other Metric) {
	o, ok := other.(*MI)
	if !ok {
		mismatch(m, other)
	}
	m.Add(o.JointHistogram)
}

// Reduce returns the mutual information in nats, or 0 without samples.
func (m *MI) Reduce() float64 {
	hx, hy, hxy := m.Entropies()
	return hx + hy - hxy
}

func (m *MI) NewEmpty() Metric { return NewMI(m.X, m.Y) }
func (m *MI) Kind() Kind       { return MutualInformation }

// NMI accumulates normalized mutual information (H(X)+H(Y))/H(X,Y), which lies in [1, 2].
type NMI struct {
	*JointHistogram
}

// NewNMI returns an empty normalized mutual information accumulator.
func NewNMI(x, y Binning) *NMI {
	return &NMI{NewJointHistogram(x, y)}
}

func (m *NMI) Merge(other Metric) {
	o, ok := other.(*NMI)
	if !ok {
		mismatch(m, other)
	}
	m.Add(o.JointHistogram)
}

// Reduce returns the normalized mutual information. When the joint entropy is zero,
// which includes the empty histogram, it returns 1, the value for independent data.
func (m *NMI) Reduce() float64 {
	hx, hy, hxy := m.Entropies()
	if hxy <= 0 {
		return 1
	}
	return (hx + hy) / hxy
}

func (m *NMI) NewEmpty() Metric { return NewNMI(m.X, m.Y) }
func (m *NMI) Kind() Kind       { return NormalizedMutualInformation }

// CR accumulates the correlation ratio of the floating values given the binned reference
// values: 1 − Σᵢ nᵢσᵢ² / (nσ²).
type CR struct {
	X       Binning
	count   []float64
	sumY    []float64
	sumYY   []float64
	total   float64
	totalSq float64
	n       int
}

// NewCR returns an empty correlation ratio accumulator binning reference values by x.
func NewCR(x Binning) *CR {
	return &CR{
		X:     x,
		count: make([]float64, x.Bins),
		sumY:  make([]float64, x.Bins),
		sumYY: make([]float64, x.Bins),
	}
}

func (c *CR) Increment(x, y float64) {
	i := c.X.Bin(x)
	c.count[i]++
	c.sumY[i] += y
	c.sumYY[i] += y * y
	c.total += y
	c.totalSq += y * y
	c.n++
}

func (c *CR) Merge(other Metric) {
	o, ok := other.(*CR)
	if !ok {
		mismatch(c, other)
	}
	if c.X != o.X {
		panic(fmt.Sprintf("metric: correlation ratio layout mismatch %d vs %d bins", c.X.Bins, o.X.Bins))
	}
	floats.Add(c.count, o.count)
	floats.Add(c.sumY, o.sumY)
	floats.Add(c.sumYY, o.sumYY)
	c.total += o.total
	c.totalSq += o.totalSq
	c.n += o.n
}

// Reduce returns the correlation ratio in [0, 1], or 0 without samples or when the
// floating values are constant.
func (c *CR) Reduce() float64 {
	if c.n == 0 {
		return 0
	}
	n := float64(c.n)
	mu := c.total / n
	totalVar := c.totalSq - n*mu*mu
	if totalVar <= 0 {
		return 0
	}
	var within float64
	for i, ni := range c.count {
		if ni == 0 {
			continue
		}
		within += c.sumYY[i] - c.sumY[i]*c.sumY[i]/ni
	}
	return math.Max(0, math.Min(1, 1-within/totalVar))
}

func (c *CR) Samples() int { return c.n }

func (c *CR) Reset() {
	for i := range c.count {
		c.count[i], c.sumY[i], c.sumYY[i] = 0, 0, 0
	}
	c.total, c.totalSq, c.n = 0, 0, 0
}

func (c *CR) NewEmpty() Metric { return NewCR(c.X) }
func (c *CR) Kind() Kind       { return CorrelationRatio }
