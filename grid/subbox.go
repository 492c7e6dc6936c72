package grid

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SubBox is a Box embedded in a larger enclosing box. Besides its own
// lexicographic numbering it knows the numbering of its points inside the
// enclosing box (the superindex).
type SubBox struct {
	Box
	offset    []int // origin minus origin of the enclosing box
	supersize []int // size of the enclosing box
}

// NewSubBox creates a sub box with the given offset into an enclosing box of
// size supersize. An inconsistent embedding is reported but accepted.
func NewSubBox(origin, size, offset, supersize []int, h, r []float64) SubBox {
	sb := newSubBox(NewBox(origin, size, h, r), offset, supersize)
	for i := range offset {
		if offset[i] < 0 {
			logrus.WithFields(logrus.Fields{"dir": i, "offset": offset[i]}).
				Warn("grid: negative offset in sub box")
		}
		if supersize[i]-offset[i] < size[i] {
			logrus.WithFields(logrus.Fields{"dir": i, "size": size[i], "supersize": supersize[i]}).
				Warn("grid: sub box larger than enclosing box")
		}
	}
	return sb
}

// AsSubBox makes b a sub box of itself
func AsSubBox(b Box) SubBox {
	return newSubBox(b, make([]int, b.Dim()), b.size)
}

func newSubBox(b Box, offset, supersize []int) SubBox {
	return SubBox{Box: b, offset: cloneInts(offset), supersize: cloneInts(supersize)}
}

// Offset returns the offset to the origin of the enclosing box in direction i
func (s SubBox) Offset(i int) int { return s.offset[i] }

// Offsets returns a copy of the offset tuple
func (s SubBox) Offsets() []int { return cloneInts(s.offset) }

// SuperSize returns the size of the enclosing box in direction i
func (s SubBox) SuperSize(i int) int { return s.supersize[i] }

// SuperSizes returns a copy of the enclosing size tuple
func (s SubBox) SuperSizes() []int { return cloneInts(s.supersize) }

// SuperIndex computes the lexicographic position of coord in the enclosing box
func (s SubBox) SuperIndex(coord []int) int {
	d := s.Dim()
	index := s.offset[d-1] + coord[d-1] - s.origin[d-1]
	for i := d - 2; i >= 0; i-- {
		index = index*s.supersize[i] + s.offset[i] + coord[i] - s.origin[i]
	}
	return index
}

// Intersection returns the common points of s and o as a sub box of the
// enclosing box of s. Incompatible boxes give an empty result.
func (s SubBox) Intersection(o Box) SubBox {
	if s.Dim() == 0 || !s.Compatible(o) {
		return SubBox{}
	}
	d := s.Dim()
	origin := make([]int, d)
	size := make([]int, d)
	offset := make([]int, d)
	for i := 0; i < d; i++ {
		origin[i], size[i] = intersect1D(s.Box, o, i)
		offset[i] = s.offset[i] + origin[i] - s.origin[i]
	}
	return newSubBox(NewBox(origin, size, s.h, s.r), offset, s.supersize)
}

// Move returns a copy translated by v keeping the offset into the enclosing box
func (s SubBox) Move(v []int) SubBox {
	return newSubBox(s.Box.Move(v), s.offset, s.supersize)
}

func (s SubBox) String() string {
	return fmt.Sprintf("%v offset=%v supersize=%v", s.Box, s.offset, s.supersize)
}
