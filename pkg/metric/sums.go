package metric

import "math"

// MSD accumulates the mean squared difference of the sample pairs. Lower is better.
type MSD struct {
	sum float64
	n   int
}

// NewMSD returns an empty mean squared difference accumulator.
func NewMSD() *MSD {
	return &MSD{}
}

func (m *MSD) Increment(x, y float64) {
	d := x - y
	m.sum += d * d
	m.n++
}

func (m *MSD) Merge(other Metric) {
	o, ok := other.(*MSD)
	if !ok {
		mismatch(m, other)
	}
	m.sum += o.sum
	m.n += o.n
}

// Reduce returns Σ(x−y)²/n, or 0 without samples.
func (m *MSD) Reduce() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func (m *MSD) Samples() int     { return m.n }
func (m *MSD) Reset()           { *m = MSD{} }
func (m *MSD) NewEmpty() Metric { return NewMSD() }
func (m *MSD) Kind() Kind       { return MeanSquaredDifference }

// CC accumulates the Pearson correlation coefficient of the sample pairs.
type CC struct {
	sumX, sumY   float64
	sumXX, sumYY float64
	sumXY        float64
	n            int
}

// NewCC returns an empty cross-correlation accumulator.
func NewCC() *CC {
	return &CC{}
}

func (c *CC) Increment(x, y float64) {
	c.sumX += x
	c.sumY += y
	c.sumXX += x * x
	c.sumYY += y * y
	c.sumXY += x * y
	c.n++
}

func (c *CC) Merge(other Metric) {
	o, ok := other.(*CC)
	if !ok {
		mismatch(c, other)
	}
	c.sumX += o.sumX
	c.sumY += o.sumY
	c.sumXX += o.sumXX
	c.sumYY += o.sumYY
	c.sumXY += o.sumXY
	c.n += o.n
}

// Reduce returns the correlation coefficient in [-1, 1]. Without samples, or when either
// side has zero variance, it returns 0.
func (c *CC) Reduce() float64 {
	if c.n == 0 {
		return 0
	}
	n := float64(c.n)
	muX := c.sumX / n
	muY := c.sumY / n
	varX := c.sumXX - n*muX*muX
	varY := c.sumYY - n*muY*muY
	if varX <= 0 || varY <= 0 {
		return 0
	}
	r := (c.sumXY - n*muX*muY) / math.Sqrt(varX*varY)
	// rounding can push a perfect correlation slightly past one
	return math.Max(-1, math.Min(1, r))
}

func (c *CC) Samples() int     { return c.n }
func (c *CC) Reset()           { *c = CC{} }
func (c *CC) NewEmpty() Metric { return NewCC() }
func (c *CC) Kind() Kind       { return CrossCorrelation }
