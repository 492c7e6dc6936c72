package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Local is one rank of an in-process world. Sends copy the buffer and
// complete immediately, receives complete when a matching message arrived.
type Local struct {
	rank  int
	boxes []*mailbox
}

// NewLocalWorld creates p connected in-process endpoints, one per rank
func NewLocalWorld(p int) []*Local {
	boxes := make([]*mailbox, p)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	world := make([]*Local, p)
	for i := range world {
		world[i] = &Local{rank: i, boxes: boxes}
	}
	return world
}

// Rank returns the rank of this transport
func (l *Local) Rank() int { return l.rank }
// Size returns the number of ranks of the world
func (l *Local) Size() int { return len(l.boxes) }

// Isend copies buf into the mailbox of dest, the request completes at once
func (l *Local) Isend(dest int, buf []byte, tag int) (Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return l.isend(dest, buf, tag)
}

// Irecv posts buf for the next message from src with tag
func (l *Local) Irecv(src int, buf []byte, tag int) (Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return l.irecv(src, buf, tag)
}

// Allreduce combines x of all ranks with op
func (l *Local) Allreduce(ctx context.Context, x float64, op Op) (float64, error) {
	return allreduce(ctx, l, x, op)
}

func (l *Local) isend(dest int, buf []byte, tag int) (Request, error) {
	if err := checkPeer(dest, l.Size()); err != nil {
		return nil, err
	}
	l.boxes[dest].deliver(l.rank, tag, append([]byte(nil), buf...))
	return completed(nil), nil
}

func (l *Local) irecv(src int, buf []byte, tag int) (Request, error) {
	if err := checkPeer(src, l.Size()); err != nil {
		return nil, err
	}
	return l.boxes[l.rank].post(src, tag, buf), nil
}

// Abort fails every pending and future receive of this rank
func (l *Local) Abort(err error) { l.boxes[l.rank].fail(err) }

// RunLocal runs fn once per rank of a fresh p rank world, each in its own
// goroutine. The first error cancels the context seen by all ranks and is
// returned.
func RunLocal(ctx context.Context, p int, fn func(ctx context.Context, t Transport) error) error {
	if p < 1 {
		return fmt.Errorf("%w: world size %d", ErrRankOutOfRange, p)
	}
	world := NewLocalWorld(p)
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range world {
		g.Go(func() error {
			if err := fn(gctx, l); err != nil {
				return fmt.Errorf("rank %d: %w", l.rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}
