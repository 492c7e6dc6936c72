package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterator_VisitsInIndexOrder(t *testing.T) {
	b := NewBox([]int{1, -2, 0}, []int{3, 2, 2}, []float64{1, 1, 1}, []float64{0, 0, 0})
	count := 0
	for it := b.Iterator(); it.Valid(); it.Next() {
		require.Equal(t, count, it.Index())
		require.Equal(t, count, b.Index(it.Coords()))
		count++
	}
	assert.Equal(t, b.TotalSize(), count)
}

func TestIterator_EmptyBox(t *testing.T) {
	b := NewBox([]int{0, 0}, []int{3, 0}, []float64{1, 1}, []float64{0, 0})
	assert.False(t, b.Iterator().Valid())
	assert.False(t, Box{}.Iterator().Valid())
	assert.False(t, AsSubBox(b).SubIterator().Valid())
}

func TestIterator_NeighborAndMove(t *testing.T) {
	b := NewBox([]int{0, 0}, []int{4, 3}, []float64{1, 1}, []float64{0, 0})
	it := b.IteratorAt([]int{1, 1})
	require.True(t, it.Valid())
	assert.Equal(t, 5, it.Index())
	assert.Equal(t, 6, it.Up(0))
	assert.Equal(t, 4, it.Down(0))
	assert.Equal(t, 9, it.Up(1))
	assert.Equal(t, 1, it.Down(1))
	assert.Equal(t, 7, it.Neighbor(0, 2))

	it.Move(1, 1)
	assert.Equal(t, 9, it.Index())
	assert.Equal(t, 2, it.Coord(1))

	assert.False(t, b.IteratorAt([]int{4, 0}).Valid())
}

func TestTransformingIterator_Positions(t *testing.T) {
	h := []float64{0.25, 0.5}
	r := []float64{0.125, 0.25}
	b := NewBox([]int{2, 1}, []int{3, 2}, h, r)
	for it := b.TransformingIterator(); it.Valid(); it.Next() {
		for i := 0; i < 2; i++ {
			assert.InDelta(t, float64(it.Coord(i))*h[i]+r[i], it.Position(i), 1e-14)
		}
	}
	it := b.TransformingIterator()
	it.Move(0, 2)
	assert.InDelta(t, 4*0.25+0.125, it.Position(0), 1e-14)
	assert.Equal(t, 0.5, it.MeshSize(1))
}

func TestSubIterator_SuperIndex(t *testing.T) {
	local := AsSubBox(NewBox([]int{-1, -1}, []int{5, 4}, []float64{1, 1}, []float64{0.5, 0.5}))
	master := local.Intersection(NewBox([]int{0, 0}, []int{3, 2}, []float64{1, 1}, []float64{0.5, 0.5}))
	require.Equal(t, 6, master.TotalSize())

	n := 0
	for it := master.SubIterator(); it.Valid(); it.Next() {
		c := it.Coords()
		assert.Equal(t, n, it.Index())
		assert.Equal(t, local.Index(c), it.SuperIndex())
		assert.Equal(t, master.SuperIndex(c), it.SuperIndex())
		assert.Equal(t, it.SuperIndex()+1, it.SuperUp(0))
		assert.Equal(t, it.SuperIndex()-5, it.SuperDown(1))
		assert.Equal(t, it.SuperIndex()+10, it.SuperNeighbor(1, 2))
		n++
	}
	assert.Equal(t, 6, n)

	it := master.SubIteratorAt([]int{1, 1})
	assert.Equal(t, local.Index([]int{1, 1}), it.SuperIndex())
	it.Move(0, 1)
	assert.Equal(t, local.Index([]int{2, 1}), it.SuperIndex())
}

func TestTransformingSubIterator(t *testing.T) {
	h := []float64{0.5, 2}
	r := []float64{0, 1}
	local := AsSubBox(NewBox([]int{0, 0}, []int{4, 4}, h, r))
	sub := local.Intersection(NewBox([]int{1, 2}, []int{2, 2}, h, r))
	n := 0
	for it := sub.TransformingSubIterator(); it.Valid(); it.Next() {
		c := it.Coords()
		assert.Equal(t, local.Index(c), it.SuperIndex())
		assert.InDelta(t, float64(c[0])*0.5, it.Position(0), 1e-14)
		assert.InDelta(t, float64(c[1])*2+1, it.Position(1), 1e-14)
		n++
	}
	assert.Equal(t, 4, n)
}
