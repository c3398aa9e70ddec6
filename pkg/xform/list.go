package xform

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Entry is one link of a List.
type Entry struct {
	// Xform is the link's transformation
	Xform Transform

	// Inverse applies the inverse of Xform instead of Xform
	Inverse bool

	// GlobalScale, when not 0 or 1, makes the link operate on coordinates scaled by it:
	// p -> T(s*p)/s
	GlobalScale float64
}

func (e *Entry) scale() float64 {
	if e.GlobalScale == 0 {
		return 1
	}
	return e.GlobalScale
}

// apply maps p through this link. ok is false if an inverse deformation failed to converge.
func (e *Entry) apply(p r3.Vec, epsilon float64) (r3.Vec, bool) {
	s := e.scale()
	if s != 1 {
		p = r3.Scale(s, p)
	}

	var ok = true
	if e.Inverse {
		// affine links invert exactly through the inverse cached on the Affine itself
		p, ok = e.Xform.ApplyInverse(p, epsilon)
	} else {
		p = e.Xform.Apply(p)
	}

	if s != 1 {
		p = r3.Scale(1/s, p)
	}
	return p, ok
}

// List is an ordered chain of transformations that maps a point through several registered
// spaces. Links are applied in the order they were added.
type List struct {
	entries []Entry
	epsilon float64
}

// NewList returns an empty chain with the default inversion tolerance.
func NewList() *List {
	return &List{epsilon: DefaultInversionTolerance}
}

// SetEpsilon sets the tolerance for numerical inversion of deformable links.
func (l *List) SetEpsilon(epsilon float64) {
	l.epsilon = epsilon
}

// Epsilon returns the tolerance for numerical inversion.
func (l *List) Epsilon() float64 {
	return l.epsilon
}

// Len returns the number of links.
func (l *List) Len() int {
	return len(l.entries)
}

// Entries returns the links in application order.
func (l *List) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Add appends a link. An affine link used inversely is checked right away; a singular matrix
// fails with a *LinkError wrapping ErrSingularMatrix and leaves the chain unchanged. The link
// keeps following later parameter changes of x.
func (l *List) Add(x Transform, inverse bool) error {
	return l.AddScaled(x, inverse, 1)
}

// AddScaled is Add with a global coordinate scale for the link.
func (l *List) AddScaled(x Transform, inverse bool, globalScale float64) error {
	if x == nil {
		return &LinkError{Index: len(l.entries), Err: fmt.Errorf("missing transformation")}
	}

	entry := Entry{Xform: x, Inverse: inverse, GlobalScale: globalScale}
	if affine, ok := x.(*Affine); ok && inverse {
		if _, err := affine.Inverse(); err != nil {
			return &LinkError{Index: len(l.entries), Err: err}
		}
	}

	l.entries = append(l.entries, entry)
	return nil
}

// ApplyInPlace maps *p through every link. It returns false, leaving *p at the location reached
// so far, when a link cannot be inverted at that point.
func (l *List) ApplyInPlace(p *r3.Vec) bool {
	for i := range l.entries {
		q, ok := l.entries[i].apply(*p, l.epsilon)
		if !ok {
			return false
		}
		*p = q
	}
	return true
}

// Apply maps p through every link.
func (l *List) Apply(p r3.Vec) (r3.Vec, bool) {
	ok := l.ApplyInPlace(&p)
	return p, ok
}

// Inverse returns the chain that maps back: links reversed with their inverse flags flipped.
// A singular affine link that would have to be inverted fails with a *LinkError naming the
// link's position in l.
func (l *List) Inverse() (*List, error) {
	out := &List{epsilon: l.epsilon}
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if err := out.AddScaled(e.Xform, !e.Inverse, e.GlobalScale); err != nil {
			return nil, &LinkError{Index: i, Err: err.(*LinkError).Err}
		}
	}
	return out, nil
}

// MakeAllAffine returns a copy of the chain in which every deformable link is replaced by its
// best-fit affine approximation. Affine links are kept as they are.
func (l *List) MakeAllAffine() (*List, error) {
	out := &List{epsilon: l.epsilon}
	for i, e := range l.entries {
		x := e.Xform
		if warp, ok := x.(*SplineWarp); ok {
			affine, err := warp.FitAffine()
			if err != nil {
				return nil, &LinkError{Index: i, Err: err}
			}
			x = affine
		}
		if err := out.AddScaled(x, e.Inverse, e.GlobalScale); err != nil {
			return nil, &LinkError{Index: i, Err: err.(*LinkError).Err}
		}
	}
	return out, nil
}

// AllAffine reports whether the chain contains only affine links.
func (l *List) AllAffine() bool {
	for _, e := range l.entries {
		if _, ok := e.Xform.(*Affine); !ok {
			return false
		}
	}
	return true
}

// Collapse composes an all-affine chain into a single affine map.
func (l *List) Collapse() (*Affine, error) {
	result := NewIdentity()
	for i, e := range l.entries {
		affine, ok := e.Xform.(*Affine)
		if !ok {
			return nil, &LinkError{Index: i, Err: fmt.Errorf("link is not affine")}
		}
		if e.Inverse {
			inv, err := affine.Inverse()
			if err != nil {
				return nil, &LinkError{Index: i, Err: err}
			}
			affine = inv
		}
		if s := e.scale(); s != 1 {
			affine = NewAffine([9]float64{s, 0, 0, 0, s, 0, 0, 0, s}, r3.Vec{}).
				Compose(affine).
				Compose(NewAffine([9]float64{1 / s, 0, 0, 0, 1 / s, 0, 0, 0, 1 / s}, r3.Vec{}))
		}
		result = result.Compose(affine)
	}
	return result, nil
}
