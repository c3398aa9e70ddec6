package models

import "testing"

func TestRegionSizeAndEmpty(t *testing.T) {
	tests := []struct {
		name   string
		region Region
		size   int
		empty  bool
	}{
		{"unit", Region{From: Index3{0, 0, 0}, To: Index3{1, 1, 1}}, 1, false},
		{"box", Region{From: Index3{1, 2, 3}, To: Index3{4, 4, 4}}, 6, false},
		{"flat", Region{From: Index3{0, 0, 2}, To: Index3{4, 4, 2}}, 0, true},
		{"inverted", Region{From: Index3{3, 0, 0}, To: Index3{1, 4, 4}}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.region.Size(); got != tt.size {
				t.Errorf("Expected size %d, got %d", tt.size, got)
			}
			if got := tt.region.Empty(); got != tt.empty {
				t.Errorf("Expected empty=%v, got %v", tt.empty, got)
			}
		})
	}
}

func TestNewRegionOrdersCorners(t *testing.T) {
	r := NewRegion(Index3{5, 0, 3}, Index3{1, 2, 3})
	if r.From != (Index3{1, 0, 3}) || r.To != (Index3{5, 2, 3}) {
		t.Errorf("Unexpected region %v", r)
	}
}

func TestRegionIntersect(t *testing.T) {
	a := Region{From: Index3{0, 0, 0}, To: Index3{4, 4, 4}}
	b := Region{From: Index3{2, 3, -1}, To: Index3{6, 8, 2}}

	got := a.Intersect(b)
	want := Region{From: Index3{2, 3, 0}, To: Index3{4, 4, 2}}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	disjoint := a.Intersect(Region{From: Index3{10, 10, 10}, To: Index3{12, 12, 12}})
	if !disjoint.Empty() {
		t.Errorf("Expected empty intersection, got %v", disjoint)
	}
}

func TestParseDataClass(t *testing.T) {
	for _, c := range []DataClass{DataClassContinuous, DataClassLabel, DataClassBinary, DataClassUnknown} {
		parsed, err := ParseDataClass(c.String())
		if err != nil {
			t.Fatalf("ParseDataClass(%q): %v", c.String(), err)
		}
		if parsed != c {
			t.Errorf("Expected %v, got %v", c, parsed)
		}
	}

	if _, err := ParseDataClass("rgb"); err == nil {
		t.Error("Expected error for unknown data class")
	}
}

func TestIntensityRange(t *testing.T) {
	var open IntensityRange
	if !open.Contains(-1e9) {
		t.Error("Disabled range must accept everything")
	}

	r := IntensityRange{Min: 10, Max: 20, Enabled: true}
	if !r.Contains(10) || !r.Contains(20) || r.Contains(9.99) || r.Contains(20.01) {
		t.Error("Enabled range must be a closed interval")
	}
}
