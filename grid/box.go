// Package grid implements axis-aligned boxes of integer lattice points with an
// affine map to real coordinates, the building block of the structured
// decomposition.
//
// A Box G = { (k_0..k_{d-1}) | o_i <= k_i < o_i+s_i } carries a mesh size h and
// a shift r so that point k sits at t(k)_i = k_i*h_i + r_i. The shift is used to
// interpret the same lattice as cell centers (r = h/2) or vertices (r = 0).
package grid

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Tolerance is the absolute tolerance used when comparing mesh sizes and shifts
const Tolerance = 1e-13

// Box is a d-dimensional lattice box with an affine map to real space.
// Copies of a Box never share state observable through the setters.
type Box struct {
	origin []int
	size   []int
	h      []float64 // mesh size per direction
	r      []float64 // shift per direction
}

// NewBox creates a box from origin, size, mesh size and shift. All slices are copied.
func NewBox(origin, size []int, h, r []float64) Box {
	d := len(origin)
	if len(size) != d || len(h) != d || len(r) != d {
		panic(fmt.Sprintf("grid: dimension mismatch origin=%d size=%d h=%d r=%d",
			len(origin), len(size), len(h), len(r)))
	}
	return Box{
		origin: cloneInts(origin),
		size:   cloneInts(size),
		h:      cloneFloats(h),
		r:      cloneFloats(r),
	}
}

// Dim returns the number of directions of the box
func (b Box) Dim() int { return len(b.origin) }

// Origin returns the origin in direction i
func (b Box) Origin(i int) int { return b.origin[i] }

// Size returns the number of points in direction i
func (b Box) Size(i int) int { return b.size[i] }

// MeshSize returns the mesh width in direction i
func (b Box) MeshSize(i int) float64 { return b.h[i] }

// Shift returns the shift in direction i
func (b Box) Shift(i int) float64 { return b.r[i] }

// Origins returns a copy of the origin tuple
func (b Box) Origins() []int { return cloneInts(b.origin) }

// Sizes returns a copy of the size tuple
func (b Box) Sizes() []int { return cloneInts(b.size) }

// MeshSizes returns a copy of the mesh size tuple
func (b Box) MeshSizes() []float64 { return cloneFloats(b.h) }

// Shifts returns a copy of the shift tuple
func (b Box) Shifts() []float64 { return cloneFloats(b.r) }

// Min returns the smallest coordinate in direction i
func (b Box) Min(i int) int { return b.origin[i] }

// Max returns the largest coordinate in direction i
func (b Box) Max(i int) int { return b.origin[i] + b.size[i] - 1 }

// SetOrigin sets the origin in direction i
func (b *Box) SetOrigin(i, o int) {
	b.origin = cloneInts(b.origin)
	b.origin[i] = o
}

// SetSize sets the size in direction i
func (b *Box) SetSize(i, s int) {
	b.size = cloneInts(b.size)
	b.size[i] = s
}

// SetMin moves the lower bound in direction i keeping the upper bound
func (b *Box) SetMin(i, m int) {
	upper := b.Max(i)
	b.SetOrigin(i, m)
	b.SetSize(i, upper-m+1)
}

// SetMax moves the upper bound in direction i keeping the origin
func (b *Box) SetMax(i, m int) {
	b.SetSize(i, m-b.origin[i]+1)
}

// SetMeshSize sets the mesh width in direction i
func (b *Box) SetMeshSize(i int, h float64) {
	b.h = cloneFloats(b.h)
	b.h[i] = h
}

// SetShift sets the shift in direction i
func (b *Box) SetShift(i int, r float64) {
	b.r = cloneFloats(b.r)
	b.r[i] = r
}

// TotalSize returns the number of lattice points in the box
func (b Box) TotalSize() int {
	if len(b.size) == 0 {
		return 0
	}
	s := 1
	for _, si := range b.size {
		if si <= 0 {
			return 0
		}
		s *= si
	}
	return s
}

// Empty is true if the box has no points in at least one direction.
// The zero Box is empty.
func (b Box) Empty() bool {
	if len(b.size) == 0 {
		return true
	}
	for _, si := range b.size {
		if si <= 0 {
			return true
		}
	}
	return false
}

// Index computes the lexicographic position of coord, direction 0 running fastest
func (b Box) Index(coord []int) int {
	d := b.Dim()
	index := coord[d-1] - b.origin[d-1]
	for i := d - 2; i >= 0; i-- {
		index = index*b.size[i] + (coord[i] - b.origin[i])
	}
	return index
}

// Inside is true if coord lies in the box
func (b Box) Inside(coord []int) bool {
	for i := range b.origin {
		if coord[i] < b.origin[i] || coord[i] >= b.origin[i]+b.size[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether both boxes share mesh size and shift, which is
// required for their lattices to coincide
func (b Box) Compatible(o Box) bool {
	if b.Dim() != o.Dim() {
		return false
	}
	return floats.EqualApprox(b.h, o.h, Tolerance) && floats.EqualApprox(b.r, o.r, Tolerance)
}

// Intersection returns the common points of b and o as a sub box of b.
// Incompatible boxes give an empty result.
func (b Box) Intersection(o Box) SubBox {
	if b.Dim() == 0 || !b.Compatible(o) {
		return SubBox{}
	}
	d := b.Dim()
	origin := make([]int, d)
	size := make([]int, d)
	offset := make([]int, d)
	for i := 0; i < d; i++ {
		origin[i], size[i] = intersect1D(b, o, i)
		offset[i] = origin[i] - b.origin[i]
	}
	return newSubBox(NewBox(origin, size, b.h, b.r), offset, b.size)
}

// intersect1D clips direction i; an empty range keeps the origin of b
func intersect1D(b, o Box, i int) (origin, size int) {
	origin = max(b.Min(i), o.Min(i))
	size = min(b.Max(i), o.Max(i)) - origin + 1
	if size < 0 {
		size = 0
		origin = b.Min(i)
	}
	return origin, size
}

// Move returns a copy of the box translated by v
func (b Box) Move(v []int) Box {
	nb := NewBox(b.origin, b.size, b.h, b.r)
	for i := range v {
		nb.origin[i] += v[i]
	}
	return nb
}

// Equal compares origin, size and (with tolerance) the affine map
func (b Box) Equal(o Box) bool {
	if b.Dim() != o.Dim() {
		return false
	}
	for i := range b.origin {
		if b.origin[i] != o.origin[i] || b.size[i] != o.size[i] {
			return false
		}
	}
	return b.Compatible(o)
}

func (b Box) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{origin=%v size=%v h=%v r=%v}", b.origin, b.size, b.h, b.r)
	return sb.String()
}

func cloneInts(x []int) []int {
	if x == nil {
		return nil
	}
	return append([]int(nil), x...)
}

func cloneFloats(x []float64) []float64 {
	if x == nil {
		return nil
	}
	return append([]float64(nil), x...)
}
