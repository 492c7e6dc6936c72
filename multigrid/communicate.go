package multigrid

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Interface selects which entities take part in a communication
type Interface int

const (
	InteriorBorderInteriorBorder Interface = iota
	InteriorBorderAll
	OverlapOverlapFront
	OverlapAll
	AllAll
)

var interfaceNames = [...]string{
	"InteriorBorderInteriorBorder", "InteriorBorderAll", "OverlapOverlapFront", "OverlapAll", "AllAll",
}

func (i Interface) String() string {
	if i >= 0 && int(i) < len(interfaceNames) {
		return interfaceNames[i]
	}
	return fmt.Sprintf("Interface(%d)", int(i))
}

// Direction of a communication
type Direction int

const (
	// Forward sends from the first subset of the interface to the second
	Forward Direction = iota
	// Backward swaps the roles of sender and receiver
	Backward
)

// DataHandle moves the data of one entity in and out of message buffers.
// index is the position of the entity in the local box of the level.
type DataHandle interface {
	// Size is the number of bytes per entity
	Size() int
	Gather(buf []byte, index int)
	Scatter(buf []byte, index int)
}

// pairing maps an interface to the schedule used for it. ok is false when
// nothing needs to be communicated.
func pairing(codim, dim int, iface Interface) (p Pairing, ok bool, err error) {
	switch codim {
	case 0:
		switch iface {
		case InteriorBorderInteriorBorder:
			return 0, false, nil
		case InteriorBorderAll:
			return MasterLocal, true, nil
		case OverlapOverlapFront, OverlapAll, AllAll:
			return LocalLocal, true, nil
		}
	case dim:
		switch iface {
		case InteriorBorderInteriorBorder:
			return MasterMaster, true, nil
		case InteriorBorderAll:
			return MasterLocal, true, nil
		case OverlapOverlapFront, OverlapAll:
			return OverlapLocal, true, nil
		case AllAll:
			return LocalLocal, true, nil
		}
	default:
		return 0, false, fmt.Errorf("%w %d", ErrCodimNotImplemented, codim)
	}
	return 0, false, fmt.Errorf("%w: %v", ErrUnknownInterface, iface)
}

// Communicate exchanges the data of the entities of the given codim on level
// between neighboring ranks. Every rank must call it with the same
// arguments.
func (mg *MultiGrid) Communicate(ctx context.Context, h DataHandle, iface Interface, dir Direction, codim, level int) error {
	l, err := mg.Level(level)
	if err != nil {
		return err
	}
	p, ok, err := pairing(codim, mg.Dim(), iface)
	if err != nil || !ok {
		return err
	}
	set, err := l.Entities(codim)
	if err != nil {
		return err
	}
	sched := set.Schedule(p)
	send, recv := sched.Send, sched.Recv
	if dir == Backward {
		send, recv = recv, send
	}

	tt := mg.torus
	size := h.Size()
	for _, is := range send {
		buf := make([]byte, is.Grid.TotalSize()*size)
		for it := is.Grid.SubIterator(); it.Valid(); it.Next() {
			k := it.Index() * size
			h.Gather(buf[k:k+size], it.SuperIndex())
		}
		tt.Send(is.Rank, buf)
	}
	recvBufs := make([][]byte, len(recv))
	for i, is := range recv {
		recvBufs[i] = make([]byte, is.Grid.TotalSize()*size)
		tt.Recv(is.Rank, recvBufs[i])
	}
	if err = tt.Exchange(ctx); err != nil {
		return fmt.Errorf("%w: %v codim %d level %d: %w", ErrCommunicationFailure, iface, codim, level, err)
	}
	for i, is := range recv {
		buf := recvBufs[i]
		for it := is.Grid.SubIterator(); it.Valid(); it.Next() {
			k := it.Index() * size
			h.Scatter(buf[k:k+size], it.SuperIndex())
		}
	}
	return nil
}

// Float64Field is a DataHandle for one float64 per entity; received values
// overwrite the local ones
type Float64Field []float64

func (f Float64Field) Size() int { return 8 }

func (f Float64Field) Gather(buf []byte, index int) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f[index]))
}

func (f Float64Field) Scatter(buf []byte, index int) {
	f[index] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
}

// Float64Sum is a DataHandle that adds received values to the local ones,
// as needed to accumulate contributions of shared entities
type Float64Sum []float64

func (f Float64Sum) Size() int { return 8 }

func (f Float64Sum) Gather(buf []byte, index int) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f[index]))
}

func (f Float64Sum) Scatter(buf []byte, index int) {
	f[index] += math.Float64frombits(binary.LittleEndian.Uint64(buf))
}
