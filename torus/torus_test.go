package torus

import (
	"context"
	"errors"
	"testing"

	"github.com/notargets/halogrid/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeDims(t *testing.T) {
	tests := []struct {
		name string
		size []int
		p    int
		want []int
	}{
		{"1D", []int{8}, 2, []int{2}},
		{"square", []int{64, 64}, 4, []int{2, 2}},
		{"elongated", []int{100, 10}, 4, []int{4, 1}},
		{"cube", []int{10, 10, 10}, 8, []int{2, 2, 2}},
		{"single", []int{5, 7}, 1, []int{1, 1}},
		{"tie keeps first", []int{8, 8}, 2, []int{2, 1}},
		{"prime", []int{30, 30}, 7, []int{7, 1}},
		{"uneven", []int{10, 7}, 6, []int{3, 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := OptimizeDims(tc.size, tc.p)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.p, product(got))
			assert.Equal(t, got, OptimizeDims(tc.size, tc.p))
		})
	}
}

// bruteBest is the best max(size/dims) over every factorization
func bruteBest(size []int, p int) float64 {
	best := float64(1 << 30)
	var rec func(i, rem int, cur float64)
	rec = func(i, rem int, cur float64) {
		if i == len(size)-1 {
			best = min(best, max(cur, float64(size[i])/float64(rem)))
			return
		}
		for k := 1; k <= rem; k++ {
			if rem%k == 0 {
				rec(i+1, rem/k, max(cur, float64(size[i])/float64(k)))
			}
		}
	}
	rec(0, p, 0)
	return best
}

func TestOptimizeDims_IsOptimal(t *testing.T) {
	for _, size := range [][]int{{12, 5}, {9, 9, 4}, {100, 3}, {16, 16, 16}} {
		for p := 1; p <= 24; p++ {
			dims := OptimizeDims(size, p)
			require.Equal(t, p, product(dims))
			m := 0.0
			for i := range size {
				m = max(m, float64(size[i])/float64(dims[i]))
			}
			assert.InDelta(t, bruteBest(size, p), m, 1e-12, "size=%v p=%d", size, p)
		}
	}
}

func newTori(t *testing.T, p int, size []int, opts ...Option) []*Torus {
	t.Helper()
	world := comm.NewLocalWorld(p)
	tori := make([]*Torus, p)
	for i, w := range world {
		tt, err := New(w, 3, size, opts...)
		require.NoError(t, err)
		tori[i] = tt
	}
	return tori
}

func TestTorus_RankCoordRoundTrip(t *testing.T) {
	tt := newTori(t, 12, []int{30, 40, 20})[5]
	assert.Equal(t, 12, product(tt.Dims()))
	for r := 0; r < tt.Procs(); r++ {
		c := tt.RankToCoord(r)
		assert.True(t, tt.Inside(c))
		assert.Equal(t, r, tt.CoordToRank(c))
	}
	assert.Equal(t, tt.RankToCoord(5), tt.Coord())
	assert.False(t, tt.Inside([]int{tt.Dim(0), 0, 0}))
	assert.Equal(t, 3, tt.Tag())
}

func TestTorus_RankRelative(t *testing.T) {
	tt := newTori(t, 12, []int{9, 12}, WithDims([]int{3, 4}))[0]
	assert.Equal(t, 2, tt.RankRelative(0, 0, -1))
	assert.Equal(t, 1, tt.RankRelative(0, 0, 1))
	assert.Equal(t, 9, tt.RankRelative(0, 1, -1))
	assert.Equal(t, 0, tt.RankRelative(0, 1, 4))
}

func TestTorus_InvalidInput(t *testing.T) {
	w := comm.NewLocalWorld(4)[0]
	_, err := New(w, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = New(w, 0, []int{4, 0})
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = New(w, 0, []int{4, 4}, WithDims([]int{3, 1}))
	assert.ErrorIs(t, err, ErrInvalidSize)

	var zero *Torus
	_, _, _, err = zero.Partition(0, []int{0}, []int{4})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, _, _, err = (&Torus{}).Partition(0, []int{0}, []int{4})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestTorus_PartitionExactCover(t *testing.T) {
	size := []int{10, 7}
	origin := []int{-2, 3}
	tori := newTori(t, 6, size)
	require.Equal(t, []int{3, 2}, tori[0].Dims())

	hits := make([]int, size[0]*size[1])
	for r, tt := range tori {
		o, s, imbalance, err := tt.Partition(r, origin, size)
		require.NoError(t, err)
		assert.InDelta(t, 16/(70.0/6), imbalance, 1e-12)
		for j := o[1]; j < o[1]+s[1]; j++ {
			for i := o[0]; i < o[0]+s[0]; i++ {
				hits[(i-origin[0])+(j-origin[1])*size[0]]++
			}
		}
	}
	for k, h := range hits {
		assert.Equal(t, 1, h, "point %d", k)
	}

	// remainder goes to the last blocks
	o, s, _, err := tori[0].Partition(0, origin, size)
	require.NoError(t, err)
	assert.Equal(t, []int{-2, 3}, o)
	assert.Equal(t, []int{3, 3}, s)
	o, s, _, err = tori[0].Partition(5, origin, size)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, o)
	assert.Equal(t, []int{4, 4}, s)

	_, _, imbalance, err := newTori(t, 2, []int{8})[0].Partition(0, []int{0}, []int{8})
	require.NoError(t, err)
	assert.Equal(t, 1.0, imbalance)
}

func TestTorus_NeighborLists(t *testing.T) {
	tori := newTori(t, 12, []int{9, 12}, WithDims([]int{3, 4}))
	for _, tt := range tori {
		send, recv := tt.SendList(), tt.RecvList()
		require.Len(t, send, 8)
		require.Len(t, recv, 8)
		assert.Equal(t, 8, tt.Neighbors())
		assert.Equal(t, []int{-1, -1}, recv[0].Delta)
		assert.Equal(t, []int{0, -1}, recv[1].Delta)
		assert.Equal(t, []int{1, 1}, send[0].Delta)
		for k := range recv {
			assert.Equal(t, k, recv[k].Index)
			assert.Equal(t, k, send[k].Index)
			// entry k of my send list pairs with entry k of the receiver's receive list
			other := tori[send[k].Rank].RecvList()[send[k].Index]
			assert.Equal(t, tt.Rank(), other.Rank)
			assert.Equal(t, []int{-send[k].Delta[0], -send[k].Delta[1]}, other.Delta)
		}
		assert.Equal(t, 1, recv[1].Distance())
		assert.Equal(t, 2, recv[0].Distance())
	}
	assert.Contains(t, tori[0].String(), "send list")
}

func TestTorus_IsNeighbor(t *testing.T) {
	tt := newTori(t, 3, []int{9})[0]
	assert.False(t, tt.IsNeighbor([]int{-1}, []bool{false}))
	assert.True(t, tt.IsNeighbor([]int{-1}, []bool{true}))
	assert.True(t, tt.IsNeighbor([]int{1}, []bool{false}))
}

func TestTorus_ColorsDifferBetweenNeighbors(t *testing.T) {
	for _, dims := range [][]int{{5}, {4}, {3, 4}, {2, 3, 1}} {
		p := product(dims)
		size := make([]int, len(dims))
		for i := range size {
			size[i] = 12
		}
		for _, tt := range newTori(t, p, size, WithDims(dims)) {
			for _, n := range tt.RecvList() {
				if n.Rank == tt.Rank() {
					continue
				}
				assert.NotEqual(t, tt.Color(tt.Coord()), tt.ColorOfRank(n.Rank),
					"dims=%v rank=%d neighbor=%d", dims, tt.Rank(), n.Rank)
			}
		}
	}
}

// recordingTransport fails every call so loopback paths can prove they never use it
type recordingTransport struct {
	calls int
}

var errNoTransport = errors.New("transport must not be used")

func (r *recordingTransport) Rank() int { return 0 }
func (r *recordingTransport) Size() int { return 1 }
func (r *recordingTransport) Isend(int, []byte, int) (comm.Request, error) {
	r.calls++
	return nil, errNoTransport
}
func (r *recordingTransport) Irecv(int, []byte, int) (comm.Request, error) {
	r.calls++
	return nil, errNoTransport
}
func (r *recordingTransport) Allreduce(context.Context, float64, comm.Op) (float64, error) {
	r.calls++
	return 0, errNoTransport
}

func TestTorus_LocalLoopback(t *testing.T) {
	rt := &recordingTransport{}
	tt, err := New(rt, 0, []int{8})
	require.NoError(t, err)
	ctx := context.Background()

	a, b := []byte{1, 2, 3}, []byte{4, 5}
	ra, rb := make([]byte, 3), make([]byte, 2)
	tt.Send(0, a)
	tt.Send(0, b)
	tt.Recv(0, ra)
	tt.Recv(0, rb)
	require.NoError(t, tt.Exchange(ctx))
	assert.Equal(t, a, ra)
	assert.Equal(t, b, rb)
	assert.Equal(t, 0, rt.calls)

	sum, err := tt.GlobalSum(ctx, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, sum)
	assert.Equal(t, 0, rt.calls)
}

func TestTorus_LocalMismatch(t *testing.T) {
	rt := &recordingTransport{}
	tt, err := New(rt, 0, []int{8})
	require.NoError(t, err)
	ctx := context.Background()

	tt.Send(0, make([]byte, 2))
	tt.Send(0, make([]byte, 2))
	tt.Recv(0, make([]byte, 2))
	assert.ErrorIs(t, tt.Exchange(ctx), ErrLocalMismatch)
	s, r := tt.Pending()
	assert.Zero(t, s)
	assert.Zero(t, r)

	tt.Send(0, make([]byte, 2))
	tt.Recv(0, make([]byte, 3))
	assert.ErrorIs(t, tt.Exchange(ctx), ErrLocalSizeMismatch)
	s, r = tt.Pending()
	assert.Zero(t, s)
	assert.Zero(t, r)
	assert.Equal(t, 0, rt.calls)
}

// waitRequest completes at once and counts its waits
type waitRequest struct{ waits *int }

func (w waitRequest) Test() (bool, error) { return true, nil }
func (w waitRequest) Wait(context.Context) error {
	*w.waits++
	return nil
}

// partialTransport accepts the first send of four ranks and refuses the rest
type partialTransport struct {
	sends, waits int
}

func (p *partialTransport) Rank() int { return 0 }
func (p *partialTransport) Size() int { return 4 }
func (p *partialTransport) Isend(int, []byte, int) (comm.Request, error) {
	p.sends++
	if p.sends > 1 {
		return nil, errNoTransport
	}
	return waitRequest{&p.waits}, nil
}
func (p *partialTransport) Irecv(int, []byte, int) (comm.Request, error) {
	return nil, errNoTransport
}
func (p *partialTransport) Allreduce(context.Context, float64, comm.Op) (float64, error) {
	return 0, errNoTransport
}

func TestTorus_FailedExchangeWaitsPostedSends(t *testing.T) {
	pt := &partialTransport{}
	tt, err := New(pt, 0, []int{16})
	require.NoError(t, err)
	ctx := context.Background()

	tt.Send(1, []byte{1})
	tt.Send(3, []byte{2})
	assert.ErrorIs(t, tt.Exchange(ctx), errNoTransport)
	assert.Equal(t, 2, pt.sends)
	assert.Equal(t, 1, pt.waits)

	pt.sends, pt.waits = 0, 0
	tt.Send(1, []byte{1})
	tt.Recv(3, make([]byte, 1))
	assert.ErrorIs(t, tt.Exchange(ctx), errNoTransport)
	assert.Equal(t, 1, pt.waits)
	s, r := tt.Pending()
	assert.Zero(t, s)
	assert.Zero(t, r)
}

func TestTorus_ForeignExchangeAndReductions(t *testing.T) {
	err := comm.RunLocal(context.Background(), 4, func(ctx context.Context, tr comm.Transport) error {
		tt, err := New(tr, 1, []int{16})
		if err != nil {
			return err
		}
		right := tt.RankRelative(tt.Rank(), 0, 1)
		left := tt.RankRelative(tt.Rank(), 0, -1)
		out := []byte{byte(tt.Rank()), byte(tt.Rank())}
		in := make([]byte, 2)
		tt.Send(right, out)
		tt.Recv(left, in)
		if err = tt.Exchange(ctx); err != nil {
			return err
		}
		if in[0] != byte(left) {
			return errors.New("wrong payload")
		}
		sum, err := tt.GlobalSum(ctx, float64(tt.Rank()))
		if err != nil {
			return err
		}
		hi, err := tt.GlobalMax(ctx, float64(tt.Rank()))
		if err != nil {
			return err
		}
		lo, err := tt.GlobalMin(ctx, float64(tt.Rank()))
		if err != nil {
			return err
		}
		if sum != 6 || hi != 3 || lo != 0 {
			return errors.New("reduction mismatch")
		}
		return nil
	})
	assert.NoError(t, err)
}
