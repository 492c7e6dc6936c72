package comm

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func dialWorld(t *testing.T, p int, compress bool) []*Net {
	t.Helper()
	listeners := make([]net.Listener, p)
	addrs := make([]string, p)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	world := make([]*Net, p)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p; i++ {
		g.Go(func() error {
			n, err := DialNet(gctx, NetConfig{
				Rank:     i,
				Addrs:    addrs,
				Listener: listeners[i],
				Compress: compress,
			})
			world[i] = n
			return err
		})
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		for _, n := range world {
			n.Close()
		}
	})
	return world
}

func TestNet_RingExchange(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			world := dialWorld(t, 3, compress)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			for _, n := range world {
				g.Go(func() error {
					p := n.Size()
					right, left := (n.Rank()+1)%p, (n.Rank()+p-1)%p
					out := make([]byte, 1000)
					for i := range out {
						out[i] = byte(n.Rank())
					}
					in := make([]byte, 1000)
					rr, err := n.Irecv(left, in, 3)
					if err != nil {
						return err
					}
					sr, err := n.Isend(right, out, 3)
					if err != nil {
						return err
					}
					if err = WaitAll(gctx, []Request{sr, rr}); err != nil {
						return err
					}
					if in[999] != byte(left) {
						return fmt.Errorf("rank %d got %d from %d", n.Rank(), in[999], left)
					}
					sum, err := n.Allreduce(gctx, 1, Sum)
					if err != nil {
						return err
					}
					if sum != float64(p) {
						return fmt.Errorf("sum %v", sum)
					}
					return nil
				})
			}
			assert.NoError(t, g.Wait())
		})
	}
}

// TestNet_PeerCloseKeepsOthers closes one rank of three while the other two
// keep exchanging
func TestNet_PeerCloseKeepsOthers(t *testing.T) {
	world := dialWorld(t, 3, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := make([]byte, 1)
	r2, err := world[2].Irecv(0, in, 0)
	require.NoError(t, err)
	pending, err := world[0].Irecv(1, make([]byte, 1), 0)
	require.NoError(t, err)

	// sent before closing, still receivable afterwards
	last, err := world[1].Isend(0, []byte{5}, 2)
	require.NoError(t, err)
	require.NoError(t, last.Wait(ctx))
	require.NoError(t, world[1].Close())

	assert.ErrorIs(t, pending.Wait(ctx), ErrPeerClosed)
	got := make([]byte, 1)
	r, err := world[0].Irecv(1, got, 2)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, byte(5), got[0])

	r, err = world[0].Irecv(1, make([]byte, 1), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Wait(ctx), ErrPeerClosed)
	s, err := world[0].Isend(1, []byte{1}, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Wait(ctx), ErrPeerClosed)

	s, err = world[0].Isend(2, []byte{7}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx))
	require.NoError(t, r2.Wait(ctx))
	assert.Equal(t, byte(7), in[0])

	back := make([]byte, 1)
	r, err = world[0].Irecv(2, back, 1)
	require.NoError(t, err)
	s, err = world[2].Isend(0, []byte{9}, 1)
	require.NoError(t, err)
	require.NoError(t, WaitAll(ctx, []Request{s, r}))
	assert.Equal(t, byte(9), back[0])
	assert.NoError(t, world[0].failure())
	assert.NoError(t, world[2].failure())
}

func TestNet_CloseFailsPending(t *testing.T) {
	world := dialWorld(t, 2, false)
	r, err := world[0].Irecv(1, make([]byte, 4), 0)
	require.NoError(t, err)
	world[0].Close()
	assert.ErrorIs(t, r.Wait(context.Background()), ErrClosed)

	s, err := world[0].Isend(1, []byte{1}, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Wait(context.Background()), ErrClosed)
}
