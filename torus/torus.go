// Package torus arranges the ranks of a job on a d-dimensional cartesian
// process grid with periodic neighborhood. It chooses the process grid
// dimensions, partitions a global box into per-rank blocks, enumerates the
// 3^d-1 neighbors of each rank and carries queued point-to-point transfers
// to those neighbors.
package torus

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/notargets/halogrid/comm"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotInitialized    = errors.New("torus: not initialized")
	ErrInvalidSize       = errors.New("torus: invalid grid size")
	ErrLocalMismatch     = errors.New("torus: local send and receive counts differ")
	ErrLocalSizeMismatch = errors.New("torus: local send and receive sizes differ")
)

// Neighbor is one entry of a send or receive list
type Neighbor struct {
	Rank  int
	Delta []int // coordinate offset of the neighbor, each entry in {-1,0,1}
	Index int   // position of the opposite entry in the neighbor's other list
}

// Distance is the number of directions in which the neighbor is displaced
func (n Neighbor) Distance() int {
	d := 0
	for _, di := range n.Delta {
		if di != 0 {
			d++
		}
	}
	return d
}

type transfer struct {
	rank int
	buf  []byte
}

// Torus is the process grid of one rank
type Torus struct {
	t    comm.Transport
	tag  int
	dims []int

	rank  int
	procs int
	coord []int

	sendList []Neighbor
	recvList []Neighbor

	sendQueue []transfer
	recvQueue []transfer
	localSend []transfer
	localRecv []transfer

	log logrus.FieldLogger
}

// Option customizes a Torus
type Option func(*Torus)

// WithLogger sets the logger used for diagnostics
func WithLogger(l logrus.FieldLogger) Option {
	return func(tt *Torus) { tt.log = l }
}

// WithDims fixes the process grid instead of optimizing it
func WithDims(dims []int) Option {
	return func(tt *Torus) { tt.dims = append([]int(nil), dims...) }
}

// New creates the torus of the calling rank for a global grid of the given
// size. All messages use tag.
func New(t comm.Transport, tag int, size []int, opts ...Option) (*Torus, error) {
	if len(size) == 0 {
		return nil, fmt.Errorf("%w: no directions", ErrInvalidSize)
	}
	for i, s := range size {
		if s < 1 {
			return nil, fmt.Errorf("%w: size[%d]=%d", ErrInvalidSize, i, s)
		}
	}
	tt := &Torus{
		t:     t,
		tag:   tag,
		rank:  t.Rank(),
		procs: t.Size(),
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(tt)
	}
	if tt.dims == nil {
		tt.dims = OptimizeDims(size, tt.procs)
	} else if len(tt.dims) != len(size) || product(tt.dims) != tt.procs {
		return nil, fmt.Errorf("%w: dims %v do not multiply to %d processes", ErrInvalidSize, tt.dims, tt.procs)
	}
	tt.log = tt.log.WithField("rank", tt.rank)
	tt.coord = tt.RankToCoord(tt.rank)
	tt.buildLists()
	return tt, nil
}

// OptimizeDims finds the factorization dims of p with len(size) factors that
// minimizes max_i size[i]/dims[i]. Only divisors are tried; the search
// recurses from the last direction down, direction 0 takes what is left.
// Among equally good factorizations the first one found wins.
func OptimizeDims(size []int, p int) []int {
	d := len(size)
	dims := make([]int, d)
	trial := make([]int, d)
	best := math.Inf(1)
	var search func(i, remaining int)
	search = func(i, remaining int) {
		if i == 0 {
			trial[0] = remaining
			m := 0.0
			for j := 0; j < d; j++ {
				m = math.Max(m, float64(size[j])/float64(trial[j]))
			}
			if m < best {
				best = m
				copy(dims, trial)
			}
			return
		}
		for k := 1; k <= remaining; k++ {
			if remaining%k == 0 {
				trial[i] = k
				search(i-1, remaining/k)
			}
		}
	}
	search(d-1, p)
	return dims
}

func product(x []int) int {
	p := 1
	for _, v := range x {
		p *= v
	}
	return p
}

// Rank returns the rank of the calling process
func (tt *Torus) Rank() int { return tt.rank }

// Procs returns the number of processes
func (tt *Torus) Procs() int { return tt.procs }

// Tag returns the message tag
func (tt *Torus) Tag() int { return tt.tag }

// Dims returns a copy of the process grid dimensions
func (tt *Torus) Dims() []int { return append([]int(nil), tt.dims...) }

// Dim returns the number of processes in direction i
func (tt *Torus) Dim(i int) int { return tt.dims[i] }

// Coord returns a copy of the coordinate of the calling rank
func (tt *Torus) Coord() []int { return append([]int(nil), tt.coord...) }

// Transport returns the underlying transport
func (tt *Torus) Transport() comm.Transport { return tt.t }

// RankToCoord maps a rank to its process grid coordinate, direction 0 fastest
func (tt *Torus) RankToCoord(rank int) []int {
	coord := make([]int, len(tt.dims))
	for i, di := range tt.dims {
		coord[i] = rank % di
		rank /= di
	}
	return coord
}

// CoordToRank is the inverse of RankToCoord
func (tt *Torus) CoordToRank(coord []int) int {
	rank := 0
	for i := len(tt.dims) - 1; i >= 0; i-- {
		rank = rank*tt.dims[i] + coord[i]
	}
	return rank
}

// Inside reports whether coord is a valid process coordinate
func (tt *Torus) Inside(coord []int) bool {
	for i, c := range coord {
		if c < 0 || c >= tt.dims[i] {
			return false
		}
	}
	return true
}

// RankRelative returns the rank cnt steps away from rank in direction dir,
// wrapping around periodically
func (tt *Torus) RankRelative(rank, dir, cnt int) int {
	coord := tt.RankToCoord(rank)
	n := tt.dims[dir]
	coord[dir] = ((coord[dir]+cnt)%n + n) % n
	return tt.CoordToRank(coord)
}

// Color assigns coord a color from the parity of its components, plus one
// extra bit per direction in which coord is the last process, so that no two
// direct neighbors share a color even across a periodic wrap.
func (tt *Torus) Color(coord []int) int {
	d := len(tt.dims)
	c, power := 0, 1
	for i := 0; i < d; i++ {
		if coord[i]%2 == 1 {
			c += power
		}
		power *= 2
	}
	for i := 0; i < d; i++ {
		if tt.dims[i] > 1 && coord[i] == tt.dims[i]-1 {
			c += power
		}
		power *= 2
	}
	return c
}

// ColorOfRank is Color of the coordinate of rank
func (tt *Torus) ColorOfRank(rank int) int { return tt.Color(tt.RankToCoord(rank)) }

// IsNeighbor reports whether the calling rank has a neighbor at delta. A
// step across the process grid boundary only exists in periodic directions.
func (tt *Torus) IsNeighbor(delta []int, periodic []bool) bool {
	for i, di := range delta {
		if di == 0 {
			continue
		}
		nb := tt.coord[i] + di
		if nb < 0 || nb >= tt.dims[i] {
			if !periodic[i] {
				return false
			}
		}
	}
	return true
}

// Neighbors returns the number of neighbors of a rank, 3^d-1
func (tt *Torus) Neighbors() int {
	n := 1
	for range tt.dims {
		n *= 3
	}
	return n - 1
}

// SendList returns the neighbors data is sent to
func (tt *Torus) SendList() []Neighbor { return tt.sendList }

// RecvList returns the neighbors data is received from. Entry k of the
// receive list of a rank corresponds to entry Index of the send list of
// that neighbor.
func (tt *Torus) RecvList() []Neighbor { return tt.recvList }

// buildLists enumerates delta in {-1,0,1}^d \ {0} as an odometer starting at
// (-1,...,-1) with direction 0 fastest. The receive list is built in that
// order, the send list in reverse so both sides pair up.
func (tt *Torus) buildLists() {
	d := len(tt.dims)
	last := tt.Neighbors() - 1
	tt.recvList = make([]Neighbor, 0, last+1)
	sendList := make([]Neighbor, 0, last+1)
	delta := make([]int, d)
	for i := range delta {
		delta[i] = -1
	}
	index := 0
	for {
		if !allZero(delta) {
			nb := make([]int, d)
			for i := range nb {
				nb[i] = ((tt.coord[i]+delta[i])%tt.dims[i] + tt.dims[i]) % tt.dims[i]
			}
			rank := tt.CoordToRank(nb)
			tt.recvList = append(tt.recvList, Neighbor{Rank: rank, Delta: append([]int(nil), delta...), Index: index})
			sendList = append(sendList, Neighbor{Rank: rank, Delta: append([]int(nil), delta...), Index: last - index})
			index++
		}
		i := 0
		for ; i < d; i++ {
			delta[i]++
			if delta[i] <= 1 {
				break
			}
			delta[i] = -1
		}
		if i == d {
			break
		}
	}
	// prepend order
	tt.sendList = make([]Neighbor, len(sendList))
	for k, n := range sendList {
		tt.sendList[len(sendList)-1-k] = n
	}
}

func allZero(x []int) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}

// Partition computes the block of the global box (origin, size) owned by
// rank. Sizes are split as evenly as possible, the last blocks in each
// direction take one extra point. imbalance is the largest block volume over
// the average volume.
func (tt *Torus) Partition(rank int, origin, size []int) (o, s []int, imbalance float64, err error) {
	if tt == nil || tt.dims == nil {
		return nil, nil, 0, ErrNotInitialized
	}
	if len(origin) != len(tt.dims) || len(size) != len(tt.dims) {
		return nil, nil, 0, fmt.Errorf("%w: %d directions for a %d-dimensional torus",
			ErrInvalidSize, len(size), len(tt.dims))
	}
	coord := tt.RankToCoord(rank)
	d := len(tt.dims)
	o = make([]int, d)
	s = make([]int, d)
	maxVolume, volume := 1, 1
	for i := 0; i < d; i++ {
		m := size[i] / tt.dims[i]
		r := size[i] % tt.dims[i]
		volume *= size[i]
		if r > 0 {
			maxVolume *= m + 1
		} else {
			maxVolume *= m
		}
		if coord[i] < tt.dims[i]-r {
			o[i] = origin[i] + coord[i]*m
			s[i] = m
		} else {
			o[i] = origin[i] + (tt.dims[i]-r)*m + (coord[i]-(tt.dims[i]-r))*(m+1)
			s[i] = m + 1
		}
	}
	imbalance = float64(maxVolume) / (float64(volume) / float64(tt.procs))
	return o, s, imbalance, nil
}

func (tt *Torus) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rank %d of %d coord %v dims %v tag %d\n", tt.rank, tt.procs, tt.coord, tt.dims, tt.tag)
	sb.WriteString("send list:\n")
	for _, n := range tt.sendList {
		fmt.Fprintf(&sb, "  rank %d delta %v index %d dist %d\n", n.Rank, n.Delta, n.Index, n.Distance())
	}
	sb.WriteString("recv list:\n")
	for _, n := range tt.recvList {
		fmt.Fprintf(&sb, "  rank %d delta %v index %d dist %d\n", n.Rank, n.Delta, n.Index, n.Distance())
	}
	return sb.String()
}
