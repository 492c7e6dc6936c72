package grid

import "fmt"

// Iterator runs over all points of a box in lexicographic order, direction 0
// fastest. Index() is the position of the current point in that order, so an
// array of TotalSize() entries can hold one value per point.
//
//	for it := b.Iterator(); it.Valid(); it.Next() { ... it.Index() ... }
type Iterator struct {
	index     int
	coord     []int
	increment []int // index distance to next point in direction i
	origin    []int
	end       []int // last coordinate in direction i
	done      bool
}

// Iterator returns an iterator positioned on the first point of b
func (b Box) Iterator() *Iterator {
	it := &Iterator{}
	it.init(b)
	it.done = b.Empty()
	return it
}

// IteratorAt returns an iterator positioned on coord
func (b Box) IteratorAt(coord []int) *Iterator {
	it := &Iterator{}
	it.Reinit(b, coord)
	return it
}

func (it *Iterator) init(b Box) {
	d := b.Dim()
	it.origin = cloneInts(b.origin)
	it.end = make([]int, d)
	it.increment = make([]int, d)
	inc := 1
	for i := 0; i < d; i++ {
		it.end[i] = b.origin[i] + b.size[i] - 1
		it.increment[i] = inc
		inc *= b.size[i]
	}
	it.coord = cloneInts(b.origin)
	it.index = 0
}

// Reinit positions the iterator on coord of box b
func (it *Iterator) Reinit(b Box, coord []int) {
	it.init(b)
	copy(it.coord, coord)
	it.index = b.Index(coord)
	it.done = !b.Inside(coord)
}

// Valid is false once the iterator ran past the last point
func (it *Iterator) Valid() bool { return !it.done }

// Next advances to the next point
func (it *Iterator) Next() {
	it.index++
	for i := range it.coord {
		it.coord[i]++
		if it.coord[i] <= it.end[i] {
			return
		}
		it.coord[i] = it.origin[i]
	}
	it.done = true
}

// Index returns the lexicographic position of the current point
func (it *Iterator) Index() int { return it.index }

// Coord returns the coordinate of the current point in direction i
func (it *Iterator) Coord(i int) int { return it.coord[i] }

// Coords returns a copy of the current coordinate
func (it *Iterator) Coords() []int { return cloneInts(it.coord) }

// Neighbor returns the index of the point dist away in direction i
func (it *Iterator) Neighbor(i, dist int) int { return it.index + dist*it.increment[i] }

// Down returns the index of the point one below in direction i
func (it *Iterator) Down(i int) int { return it.index - it.increment[i] }

// Up returns the index of the point one above in direction i
func (it *Iterator) Up(i int) int { return it.index + it.increment[i] }

// Move moves the iterator dist points in direction i
func (it *Iterator) Move(i, dist int) {
	it.coord[i] += dist
	it.index += dist * it.increment[i]
}

func (it *Iterator) String() string {
	return fmt.Sprintf("%d : %v", it.index, it.coord)
}

// TransformingIterator is an Iterator that also tracks the real position
// coord_i*h_i + r_i of the current point, updated incrementally.
type TransformingIterator struct {
	Iterator
	h        []float64
	begin    []float64 // position of the box origin
	position []float64
}

// TransformingIterator returns a transforming iterator positioned on the first point of b
func (b Box) TransformingIterator() *TransformingIterator {
	t := &TransformingIterator{}
	t.Iterator.init(b)
	t.done = b.Empty()
	t.initPosition(b, b.origin)
	return t
}

func (t *TransformingIterator) initPosition(b Box, coord []int) {
	d := b.Dim()
	t.h = cloneFloats(b.h)
	t.begin = make([]float64, d)
	t.position = make([]float64, d)
	for i := 0; i < d; i++ {
		t.begin[i] = float64(b.origin[i])*b.h[i] + b.r[i]
		t.position[i] = float64(coord[i])*b.h[i] + b.r[i]
	}
}

// Reinit positions the iterator on coord of box b
func (t *TransformingIterator) Reinit(b Box, coord []int) {
	t.Iterator.Reinit(b, coord)
	t.initPosition(b, coord)
}

// Next advances to the next point and its position
func (t *TransformingIterator) Next() {
	t.index++
	for i := range t.coord {
		t.coord[i]++
		if t.coord[i] <= t.end[i] {
			t.position[i] += t.h[i]
			return
		}
		t.coord[i] = t.origin[i]
		t.position[i] = t.begin[i]
	}
	t.done = true
}

// Position returns the real coordinate of the current point in direction i
func (t *TransformingIterator) Position(i int) float64 { return t.position[i] }

// Positions returns a copy of the real coordinates of the current point
func (t *TransformingIterator) Positions() []float64 { return cloneFloats(t.position) }

// MeshSize returns the mesh width in direction i
func (t *TransformingIterator) MeshSize(i int) float64 { return t.h[i] }

// Move moves the iterator dist points in direction i
func (t *TransformingIterator) Move(i, dist int) {
	t.Iterator.Move(i, dist)
	t.position[i] += float64(dist) * t.h[i]
}

func (t *TransformingIterator) String() string {
	return fmt.Sprintf("%v %v", t.Iterator.String(), t.position)
}

// SubIterator is an Iterator over a SubBox that also provides the index of
// the current point in the enclosing box.
type SubIterator struct {
	Iterator
	superindex     int
	superincrement []int // superindex distance to next point in direction i
	size           []int
}

// SubIterator returns an iterator positioned on the first point of s
func (s SubBox) SubIterator() *SubIterator {
	it := &SubIterator{}
	it.Iterator.init(s.Box)
	it.done = s.Empty()
	it.initSuper(s, s.origin)
	return it
}

// SubIteratorAt returns an iterator positioned on coord of s
func (s SubBox) SubIteratorAt(coord []int) *SubIterator {
	it := &SubIterator{}
	it.Reinit(s, coord)
	return it
}

func (it *SubIterator) initSuper(s SubBox, coord []int) {
	d := s.Dim()
	it.size = cloneInts(s.size)
	it.superincrement = make([]int, d)
	inc := 1
	for i := 0; i < d; i++ {
		it.superincrement[i] = inc
		inc *= s.supersize[i]
	}
	it.superindex = 0
	for i := 0; i < d; i++ {
		it.superindex += (s.offset[i] + coord[i] - s.origin[i]) * it.superincrement[i]
	}
}

// Reinit positions the iterator on coord of s
func (it *SubIterator) Reinit(s SubBox, coord []int) {
	it.Iterator.Reinit(s.Box, coord)
	it.initSuper(s, coord)
}

// Next advances to the next point of the sub box
func (it *SubIterator) Next() {
	it.index++
	for i := range it.coord {
		it.superindex += it.superincrement[i]
		it.coord[i]++
		if it.coord[i] <= it.end[i] {
			return
		}
		it.coord[i] = it.origin[i]
		it.superindex -= it.size[i] * it.superincrement[i]
	}
	it.done = true
}

// SuperIndex returns the index of the current point in the enclosing box
func (it *SubIterator) SuperIndex() int { return it.superindex }

// SuperNeighbor returns the enclosing index of the point dist away in direction i
func (it *SubIterator) SuperNeighbor(i, dist int) int {
	return it.superindex + dist*it.superincrement[i]
}

// SuperDown returns the enclosing index of the point one below in direction i
func (it *SubIterator) SuperDown(i int) int { return it.superindex - it.superincrement[i] }

// SuperUp returns the enclosing index of the point one above in direction i
func (it *SubIterator) SuperUp(i int) int { return it.superindex + it.superincrement[i] }

// Move moves the iterator dist points in direction i
func (it *SubIterator) Move(i, dist int) {
	it.Iterator.Move(i, dist)
	it.superindex += dist * it.superincrement[i]
}

func (it *SubIterator) String() string {
	return fmt.Sprintf("%v super=%d", it.Iterator.String(), it.superindex)
}

// TransformingSubIterator combines SubIterator and TransformingIterator
type TransformingSubIterator struct {
	SubIterator
	h        []float64
	begin    []float64
	position []float64
}

// TransformingSubIterator returns an iterator positioned on the first point of s
func (s SubBox) TransformingSubIterator() *TransformingSubIterator {
	t := &TransformingSubIterator{}
	t.Iterator.init(s.Box)
	t.done = s.Empty()
	t.initSuper(s, s.origin)
	t.initPosition(s.Box, s.origin)
	return t
}

func (t *TransformingSubIterator) initPosition(b Box, coord []int) {
	d := b.Dim()
	t.h = cloneFloats(b.h)
	t.begin = make([]float64, d)
	t.position = make([]float64, d)
	for i := 0; i < d; i++ {
		t.begin[i] = float64(b.origin[i])*b.h[i] + b.r[i]
		t.position[i] = float64(coord[i])*b.h[i] + b.r[i]
	}
}

// Reinit positions the iterator on coord of s
func (t *TransformingSubIterator) Reinit(s SubBox, coord []int) {
	t.SubIterator.Reinit(s, coord)
	t.initPosition(s.Box, coord)
}

// Next advances to the next point, its superindex and its position
func (t *TransformingSubIterator) Next() {
	t.index++
	for i := range t.coord {
		t.superindex += t.superincrement[i]
		t.coord[i]++
		if t.coord[i] <= t.end[i] {
			t.position[i] += t.h[i]
			return
		}
		t.coord[i] = t.origin[i]
		t.superindex -= t.size[i] * t.superincrement[i]
		t.position[i] = t.begin[i]
	}
	t.done = true
}

// Position returns the real coordinate of the current point in direction i
func (t *TransformingSubIterator) Position(i int) float64 { return t.position[i] }

// Positions returns a copy of the real coordinates of the current point
func (t *TransformingSubIterator) Positions() []float64 { return cloneFloats(t.position) }

// MeshSize returns the mesh width in direction i
func (t *TransformingSubIterator) MeshSize(i int) float64 { return t.h[i] }

// Move moves the iterator dist points in direction i
func (t *TransformingSubIterator) Move(i, dist int) {
	t.SubIterator.Move(i, dist)
	t.position[i] += float64(dist) * t.h[i]
}
