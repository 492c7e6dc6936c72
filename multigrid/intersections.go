package multigrid

import (
	"context"
	"fmt"
	"slices"

	"github.com/notargets/halogrid/grid"
)

// imageVector is the shift that maps the calling rank's boxes into the frame
// of the neighbor at delta. Crossing a non-periodic boundary means there is
// no such neighbor.
func (mg *MultiGrid) imageVector(delta, size []int) (v []int, skip bool) {
	tt := mg.torus
	coord := tt.Coord()
	v = make([]int, len(delta))
	for k := range delta {
		nb := coord[k] + delta[k]
		if nb < 0 {
			if !mg.periodic[k] {
				return nil, true
			}
			v[k] += size[k]
		}
		if nb >= tt.Dim(k) {
			if !mg.periodic[k] {
				return nil, true
			}
			v[k] -= size[k]
		}
	}
	return v, false
}

// intersections sends the (moved) send and receive boxes of this rank to
// every neighbor and intersects the boxes received back. What this rank sends
// to a neighbor is sendgrid intersected with the neighbor's receive box, what
// it receives is recvgrid intersected with the neighbor's send box. size is
// the global cell count used for periodic images.
func (mg *MultiGrid) intersections(ctx context.Context, sendgrid, recvgrid grid.SubBox, size []int) (Schedule, error) {
	tt := mg.torus
	d := len(size)
	n := grid.EncodedLen(d)
	empty := grid.NewBox(make([]int, d), make([]int, d), make([]float64, d), make([]float64, d))

	sendList := tt.SendList()
	for _, nb := range sendList {
		sb, rb := empty, empty
		if v, skip := mg.imageVector(nb.Delta, size); !skip {
			sb = sendgrid.Box.Move(v)
			rb = recvgrid.Box.Move(v)
		}
		buf, err := encodePair(sb, rb)
		if err != nil {
			return Schedule{}, err
		}
		tt.Send(nb.Rank, buf)
	}
	recvList := tt.RecvList()
	in := make([][]byte, len(recvList))
	for _, nb := range recvList {
		in[nb.Index] = make([]byte, 2*n)
		tt.Recv(nb.Rank, in[nb.Index])
	}
	if err := tt.Exchange(ctx); err != nil {
		return Schedule{}, fmt.Errorf("%w: %w", ErrDescriptorExchange, err)
	}

	var sched Schedule
	for _, nb := range recvList {
		var remoteSend, remoteRecv grid.Box
		buf := in[nb.Index]
		if err := remoteSend.UnmarshalBinary(buf[:n]); err != nil {
			return Schedule{}, fmt.Errorf("%w: from rank %d: %w", ErrDescriptorExchange, nb.Rank, err)
		}
		if err := remoteRecv.UnmarshalBinary(buf[n:]); err != nil {
			return Schedule{}, fmt.Errorf("%w: from rank %d: %w", ErrDescriptorExchange, nb.Rank, err)
		}
		if s := sendgrid.Intersection(remoteRecv); !s.Empty() {
			sched.Send = slices.Insert(sched.Send, 0, Intersection{Grid: s, Rank: nb.Rank, Distance: nb.Distance()})
		}
		if r := recvgrid.Intersection(remoteSend); !r.Empty() {
			sched.Recv = append(sched.Recv, Intersection{Grid: r, Rank: nb.Rank, Distance: nb.Distance()})
		}
	}
	return sched, nil
}

func encodePair(a, b grid.Box) ([]byte, error) {
	x, err := a.MarshalBinary()
	if err != nil {
		return nil, err
	}
	y, err := b.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(x, y...), nil
}
