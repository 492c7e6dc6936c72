// Package comm provides the point-to-point message passing used to exchange
// halo data between ranks: a Transport with nonblocking send and receive
// requests, a global float64 reduction, an in-process world of goroutine
// ranks and a websocket based network transport for one process per rank.
package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	ErrTruncated      = errors.New("comm: message larger than receive buffer")
	ErrRankOutOfRange = errors.New("comm: rank out of range")
	ErrReservedTag    = errors.New("comm: negative tags are reserved")
	ErrClosed         = errors.New("comm: transport closed")
	ErrPeerClosed     = errors.New("comm: peer closed its transport")
)

// Op is a reduction operator for Allreduce
type Op int

const (
	Sum Op = iota
	Max
	Min
)

// Apply combines two values
func (op Op) Apply(a, b float64) float64 {
	switch op {
	case Max:
		return math.Max(a, b)
	case Min:
		return math.Min(a, b)
	default:
		return a + b
	}
}

func (op Op) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Max:
		return "Max"
	case Min:
		return "Min"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Request is the handle of a nonblocking send or receive
type Request interface {
	// Test reports whether the request completed and with which error
	Test() (bool, error)
	// Wait blocks until the request completed or ctx is done
	Wait(ctx context.Context) error
}

// Transport connects one rank to the other ranks of a job. Messages between
// a fixed (source, destination, tag) are delivered in send order. Tags must
// be non-negative.
type Transport interface {
	Rank() int
	Size() int
	// Isend posts buf for delivery to dest. buf may be reused once the
	// request completed.
	Isend(dest int, buf []byte, tag int) (Request, error)
	// Irecv posts buf to receive the next message from src with the given
	// tag. buf must not be touched until the request completed.
	Irecv(src int, buf []byte, tag int) (Request, error)
	// Allreduce combines x over all ranks with op. Every rank must call it.
	Allreduce(ctx context.Context, x float64, op Op) (float64, error)
}

// WaitAll waits for every request in order and returns the first error
func WaitAll(ctx context.Context, reqs []Request) error {
	var first error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func checkPeer(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrRankOutOfRange, rank, size)
	}
	return nil
}

func checkTag(tag int) error {
	if tag < 0 {
		return fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}
	return nil
}
