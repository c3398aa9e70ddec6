package metric

import (
	"fmt"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

// Supports reports whether kind can compare floating data of the given class. Metrics
// that treat floating values as continuous quantities reject label and binary data.
func Supports(kind Kind, floating models.DataClass) bool {
	switch kind {
	case MutualInformation, NormalizedMutualInformation:
		return true
	case MeanSquaredDifference, CrossCorrelation, CorrelationRatio:
		return !floating.IsCategorical()
	}
	return false
}

// BinningFor lays out histogram bins over the value range of v. Categorical data gets
// one bin per label and ignores bins.
func BinningFor(v *volume.Volume, bins int) Binning {
	lo, hi := v.ValueRange()
	if v.Class.IsCategorical() {
		return NewLabelBinning(lo, hi)
	}
	return NewBinning(lo, hi, bins)
}

// New returns an empty accumulator of the given kind for comparing ref and flt. The
// histogram layout of the information-theoretic metrics is derived from the value ranges
// of both volumes, which are otherwise not retained.
func New(kind Kind, ref, flt *volume.Volume, bins int) (Metric, error) {
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	if !Supports(kind, flt.Class) {
		return nil, fmt.Errorf("%w: %v with %v floating image", ErrUnsupportedDataClass, kind, flt.Class)
	}

	switch kind {
	case MeanSquaredDifference:
		return NewMSD(), nil
	case CrossCorrelation:
		return NewCC(), nil
	case CorrelationRatio:
		return NewCR(BinningFor(ref, bins)), nil
	case MutualInformation:
		return NewMI(BinningFor(ref, bins), BinningFor(flt, bins)), nil
	default:
		return NewNMI(BinningFor(ref, bins), BinningFor(flt, bins)), nil
	}
}
