package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// reduceTag is the internal channel used by Allreduce
const reduceTag = -1

// p2p is the untagged-checked point-to-point layer below a Transport
type p2p interface {
	Rank() int
	Size() int
	isend(dest int, buf []byte, tag int) (Request, error)
	irecv(src int, buf []byte, tag int) (Request, error)
}

// allreduce gathers x on rank 0, reduces in rank order and broadcasts the result
func allreduce(ctx context.Context, t p2p, x float64, op Op) (float64, error) {
	if t.Size() == 1 {
		return x, nil
	}
	buf := make([]byte, 8)
	if t.Rank() == 0 {
		acc := x
		for src := 1; src < t.Size(); src++ {
			r, err := t.irecv(src, buf, reduceTag)
			if err != nil {
				return 0, err
			}
			if err = r.Wait(ctx); err != nil {
				return 0, fmt.Errorf("allreduce %v: receive from %d: %w", op, src, err)
			}
			acc = op.Apply(acc, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(acc))
		reqs := make([]Request, 0, t.Size()-1)
		for dest := 1; dest < t.Size(); dest++ {
			r, err := t.isend(dest, buf, reduceTag)
			if err != nil {
				return 0, err
			}
			reqs = append(reqs, r)
		}
		if err := WaitAll(ctx, reqs); err != nil {
			return 0, fmt.Errorf("allreduce %v: broadcast: %w", op, err)
		}
		return acc, nil
	}
	binary.LittleEndian.PutUint64(buf, math.Float64bits(x))
	r, err := t.isend(0, buf, reduceTag)
	if err != nil {
		return 0, err
	}
	if err = r.Wait(ctx); err != nil {
		return 0, fmt.Errorf("allreduce %v: send: %w", op, err)
	}
	if r, err = t.irecv(0, buf, reduceTag); err != nil {
		return 0, err
	}
	if err = r.Wait(ctx); err != nil {
		return 0, fmt.Errorf("allreduce %v: result: %w", op, err)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}
