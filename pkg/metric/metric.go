// Package metric implements voxel similarity measures as mergeable accumulators.
//
// Every measure collects paired samples (reference value x, floating value y) through
// Increment, can absorb a partial accumulator of the same kind through Merge, and reduces
// its statistic to a scalar through Reduce. Partial accumulators filled on disjoint voxel
// sets and merged in any order reduce to the same value as a single accumulator, up to
// floating-point summation order.
package metric

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned for a metric selector that names no metric.
	ErrUnknownKind = errors.New("unknown similarity metric")

	// ErrUnsupportedDataClass is returned when a metric cannot be used with the data class
	// of the images.
	ErrUnsupportedDataClass = errors.New("similarity metric not supported for data class")
)

// Metric is an accumulator of paired samples.
type Metric interface {
	// Increment adds one sample pair.
	Increment(x, y float64)

	// Merge adds the statistic of other, which must be of the same kind and configuration.
	// It panics otherwise.
	Merge(other Metric)

	// Reduce returns the similarity value. An accumulator without usable samples returns
	// the metric's neutral value instead of NaN.
	Reduce() float64

	// Samples is the number of pairs accumulated so far.
	Samples() int

	// Reset discards all accumulated samples.
	Reset()

	// NewEmpty returns an empty accumulator with the same configuration.
	NewEmpty() Metric

	// Kind identifies the metric.
	Kind() Kind
}

// Kind enumerates the available metrics. The numeric values are the metric index used on
// the command line and in configuration files.
type Kind int

const (
	NormalizedMutualInformation Kind = iota
	MutualInformation
	CorrelationRatio
	MeanSquaredDifference
	CrossCorrelation
)

var kindNames = map[Kind]string{
	NormalizedMutualInformation: "nmi",
	MutualInformation:           "mi",
	CorrelationRatio:            "cr",
	MeanSquaredDifference:       "msd",
	CrossCorrelation:            "ncc",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HigherIsBetter reports the optimization direction of the metric.
func (k Kind) HigherIsBetter() bool {
	return k != MeanSquaredDifference
}

// UsesHistogram reports whether the metric bins samples into a joint histogram.
func (k Kind) UsesHistogram() bool {
	switch k {
	case NormalizedMutualInformation, MutualInformation, CorrelationRatio:
		return true
	}
	return false
}

// ParseKind accepts a metric name or its numeric index.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if s == name || s == fmt.Sprint(int(k)) {
			return k, nil
		}
	}
	switch s {
	case "cc", "xcorr":
		return CrossCorrelation, nil
	case "ssd":
		return MeanSquaredDifference, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func mismatch(want Metric, got Metric) {
	panic(fmt.Sprintf("metric: cannot merge %T into %T", got, want))
}
