package torus

import (
	"context"
	"fmt"

	"github.com/notargets/halogrid/comm"
	"github.com/sirupsen/logrus"
)

// Send queues buf for delivery to rank on the next Exchange. buf must stay
// untouched until Exchange returned.
func (tt *Torus) Send(rank int, buf []byte) {
	if rank == tt.rank {
		tt.localSend = append(tt.localSend, transfer{rank: rank, buf: buf})
		return
	}
	tt.sendQueue = append(tt.sendQueue, transfer{rank: rank, buf: buf})
}

// Recv queues buf to be filled from rank on the next Exchange. Receives from
// one rank are matched to that rank's sends in queue order.
func (tt *Torus) Recv(rank int, buf []byte) {
	if rank == tt.rank {
		tt.localRecv = append(tt.localRecv, transfer{rank: rank, buf: buf})
		return
	}
	tt.recvQueue = append(tt.recvQueue, transfer{rank: rank, buf: buf})
}

// Pending returns the number of queued foreign sends and receives
func (tt *Torus) Pending() (sends, recvs int) {
	return len(tt.sendQueue) + len(tt.localSend), len(tt.recvQueue) + len(tt.localRecv)
}

// Exchange carries out all queued transfers. Transfers to the own rank are
// copied directly in queue order without using the transport. All queues are
// empty when Exchange returns, whether it succeeded or not.
func (tt *Torus) Exchange(ctx context.Context) error {
	defer tt.clearQueues()

	if len(tt.localSend) != len(tt.localRecv) {
		tt.log.WithFields(logrus.Fields{
			"sends": len(tt.localSend), "recvs": len(tt.localRecv),
		}).Error("torus: local exchange mismatch")
		return fmt.Errorf("%w: %d sends, %d receives", ErrLocalMismatch, len(tt.localSend), len(tt.localRecv))
	}
	for i, s := range tt.localSend {
		r := tt.localRecv[i]
		if len(s.buf) != len(r.buf) {
			tt.log.WithFields(logrus.Fields{
				"entry": i, "send": len(s.buf), "recv": len(r.buf),
			}).Error("torus: local exchange size mismatch")
			return fmt.Errorf("%w: entry %d has %d and %d bytes", ErrLocalSizeMismatch, i, len(s.buf), len(r.buf))
		}
		copy(r.buf, s.buf)
	}

	if len(tt.sendQueue) == 0 && len(tt.recvQueue) == 0 {
		return nil
	}
	sends := make([]comm.Request, 0, len(tt.sendQueue))
	for _, s := range tt.sendQueue {
		req, err := tt.t.Isend(s.rank, s.buf, tt.tag)
		if err != nil {
			return tt.abort(ctx, sends, fmt.Errorf("torus: send to %d: %w", s.rank, err))
		}
		sends = append(sends, req)
	}
	recvs := make([]comm.Request, 0, len(tt.recvQueue))
	for _, r := range tt.recvQueue {
		req, err := tt.t.Irecv(r.rank, r.buf, tt.tag)
		if err != nil {
			return tt.abort(ctx, sends, fmt.Errorf("torus: receive from %d: %w", r.rank, err))
		}
		recvs = append(recvs, req)
	}
	if err := comm.WaitAll(ctx, sends); err != nil {
		return fmt.Errorf("torus: exchange sends: %w", err)
	}
	if err := comm.WaitAll(ctx, recvs); err != nil {
		return fmt.Errorf("torus: exchange receives: %w", err)
	}
	return nil
}

// abort waits for the sends already posted, their buffers belong to the
// caller again once Exchange returned
func (tt *Torus) abort(ctx context.Context, sends []comm.Request, err error) error {
	if werr := comm.WaitAll(ctx, sends); werr != nil {
		tt.log.WithError(werr).Debug("torus: posted sends of a failed exchange")
	}
	return err
}

func (tt *Torus) clearQueues() {
	tt.sendQueue = nil
	tt.recvQueue = nil
	tt.localSend = nil
	tt.localRecv = nil
}

// GlobalSum returns the sum of x over all ranks
func (tt *Torus) GlobalSum(ctx context.Context, x float64) (float64, error) {
	return tt.reduce(ctx, x, comm.Sum)
}

// GlobalMax returns the maximum of x over all ranks
func (tt *Torus) GlobalMax(ctx context.Context, x float64) (float64, error) {
	return tt.reduce(ctx, x, comm.Max)
}

// GlobalMin returns the minimum of x over all ranks
func (tt *Torus) GlobalMin(ctx context.Context, x float64) (float64, error) {
	return tt.reduce(ctx, x, comm.Min)
}

func (tt *Torus) reduce(ctx context.Context, x float64, op comm.Op) (float64, error) {
	if tt.procs == 1 {
		return x, nil
	}
	return tt.t.Allreduce(ctx, x, op)
}
