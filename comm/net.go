package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/DataDog/zstd"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrHandshake = errors.New("comm: bad peer handshake")

const (
	haloPath    = "/halo"
	headerBytes = 5 // int32 tag, uint8 flags
	flagZstd    = 1

	// closeTimeout bounds how long Close waits for queued frames to leave
	closeTimeout = 5 * time.Second
)

// NetConfig describes one rank of a network job
type NetConfig struct {
	Rank  int
	Addrs []string // host:port of every rank
	// Listener, if set, is used instead of listening on Addrs[Rank]
	Listener net.Listener
	// Compress zstd-compresses every payload
	Compress bool
	// MaxElapsed bounds the time spent retrying to reach a lower rank
	MaxElapsed time.Duration
	Logger     logrus.FieldLogger
}

// Net is a Transport over websocket links, one link per pair of ranks.
// Rank r dials every rank below it and accepts connections from every rank
// above it. A broken link fails the whole transport. A peer that closes its
// transport only ends the link to that peer.
type Net struct {
	rank     int
	size     int
	compress bool
	log      logrus.FieldLogger
	box      *mailbox
	peers    []*peer
	ln       net.Listener
	srv      *http.Server

	mu     sync.Mutex
	err    error
	closed chan struct{}
}

type frame struct {
	tag  int
	data []byte
	req  *request
	bye  bool // websocket close frame telling the peer we are done
}

type peer struct {
	rank int
	conn *websocket.Conn

	mu    sync.Mutex
	queue []frame
	err   error // set once the link is finished, later sends fail with it
	wake  chan struct{}
	gone  chan struct{} // closed when the peer closed its transport
}

type accepted struct {
	rank int
	conn *websocket.Conn
}

// DialNet connects this rank to all others and returns once every link is up
func DialNet(ctx context.Context, cfg NetConfig) (*Net, error) {
	size := len(cfg.Addrs)
	if err := checkPeer(cfg.Rank, size); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := &Net{
		rank:     cfg.Rank,
		size:     size,
		compress: cfg.Compress,
		log:      log.WithField("rank", cfg.Rank),
		box:      newMailbox(),
		peers:    make([]*peer, size),
		closed:   make(chan struct{}),
	}

	n.ln = cfg.Listener
	if n.ln == nil {
		var err error
		if n.ln, err = net.Listen("tcp", cfg.Addrs[cfg.Rank]); err != nil {
			return nil, fmt.Errorf("comm: listen on %s: %w", cfg.Addrs[cfg.Rank], err)
		}
	}
	incoming := make(chan accepted)
	mux := http.NewServeMux()
	mux.HandleFunc(haloPath, func(w http.ResponseWriter, r *http.Request) {
		n.accept(w, r, incoming)
	})
	n.srv = &http.Server{Handler: mux}
	go func() {
		if err := n.srv.Serve(n.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.fail(fmt.Errorf("comm: serve: %w", err))
		}
	}()

	for r := 0; r < n.rank; r++ {
		conn, err := n.dial(ctx, r, cfg.Addrs[r], cfg.MaxElapsed)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.attach(r, conn)
	}
	for pending := size - n.rank - 1; pending > 0; pending-- {
		select {
		case a := <-incoming:
			n.attach(a.rank, a.conn)
		case <-ctx.Done():
			n.Close()
			return nil, fmt.Errorf("comm: waiting for %d peers: %w", pending, ctx.Err())
		}
	}
	n.log.WithField("size", size).Debug("comm: all links up")
	return n, nil
}

func (n *Net) dial(ctx context.Context, r int, addr string, maxElapsed time.Duration) (*websocket.Conn, error) {
	url := "ws://" + addr + haloPath
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	if maxElapsed > 0 {
		b.MaxElapsedTime = maxElapsed
	}
	var conn *websocket.Conn
	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			n.log.WithFields(logrus.Fields{"peer": r, "err": err}).Debug("comm: dial retry")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("comm: dial rank %d at %s: %w", r, addr, err)
	}
	hello := make([]byte, 4)
	binary.LittleEndian.PutUint32(hello, uint32(n.rank))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("comm: handshake with rank %d: %w", r, err)
	}
	return conn, nil
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16}

func (n *Net) accept(w http.ResponseWriter, r *http.Request, incoming chan<- accepted) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.WithError(err).Warn("comm: upgrade failed")
		return
	}
	_, hello, err := conn.ReadMessage()
	if err == nil && len(hello) != 4 {
		err = ErrHandshake
	}
	if err != nil {
		n.log.WithError(err).Warn("comm: handshake failed")
		conn.Close()
		return
	}
	src := int(binary.LittleEndian.Uint32(hello))
	if src <= n.rank || src >= n.size {
		n.log.WithField("peer", src).Warn("comm: unexpected peer rank")
		conn.Close()
		return
	}
	select {
	case incoming <- accepted{rank: src, conn: conn}:
	case <-n.closed:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

func (n *Net) attach(r int, conn *websocket.Conn) {
	p := &peer{rank: r, conn: conn, wake: make(chan struct{}, 1), gone: make(chan struct{})}
	n.mu.Lock()
	n.peers[r] = p
	n.mu.Unlock()
	go n.writeLoop(p)
	go n.readLoop(p)
}

// Rank returns the rank of this process
func (n *Net) Rank() int { return n.rank }

// Size returns the number of ranks of the job
func (n *Net) Size() int { return n.size }

// Isend queues buf for dest. buf must stay untouched until the request
// completed.
func (n *Net) Isend(dest int, buf []byte, tag int) (Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return n.isend(dest, buf, tag)
}

// Irecv posts buf for the next message from src with tag
func (n *Net) Irecv(src int, buf []byte, tag int) (Request, error) {
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	return n.irecv(src, buf, tag)
}

// Allreduce combines x of all ranks with op
func (n *Net) Allreduce(ctx context.Context, x float64, op Op) (float64, error) {
	return allreduce(ctx, n, x, op)
}

func (n *Net) isend(dest int, buf []byte, tag int) (Request, error) {
	if err := checkPeer(dest, n.size); err != nil {
		return nil, err
	}
	if err := n.failure(); err != nil {
		return completed(err), nil
	}
	if dest == n.rank {
		n.box.deliver(n.rank, tag, append([]byte(nil), buf...))
		return completed(nil), nil
	}
	return n.enqueue(n.peers[dest], frame{tag: tag, data: buf}), nil
}

// enqueue hands f to the writer of p
func (n *Net) enqueue(p *peer, f frame) *request {
	f.req = newRequest(nil)
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return completed(err)
	}
	p.queue = append(p.queue, f)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return f.req
}

func (n *Net) irecv(src int, buf []byte, tag int) (Request, error) {
	if err := checkPeer(src, n.size); err != nil {
		return nil, err
	}
	return n.box.post(src, tag, buf), nil
}

func (p *peer) drain() []frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

// finish records why the link ended; only the first call counts
func (p *peer) finish(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false
	}
	p.err = err
	return true
}

func (p *peer) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// writeLoop is the only writer of p.conn so frames leave in send order
func (n *Net) writeLoop(p *peer) {
	for {
		select {
		case <-p.wake:
		case <-p.gone:
			for _, f := range p.drain() {
				f.req.complete(p.failure())
			}
			return
		case <-n.closed:
			p.finish(n.failure())
			for _, f := range p.drain() {
				f.req.complete(p.failure())
			}
			return
		}
		for _, f := range p.drain() {
			err := n.writeFrame(p, f)
			if err != nil {
				if perr := p.failure(); perr != nil {
					// the peer went away while we were writing
					err = perr
				} else {
					n.fail(fmt.Errorf("comm: link to rank %d: %w", p.rank, err))
				}
			}
			f.req.complete(err)
		}
	}
}

func (n *Net) writeFrame(p *peer, f frame) error {
	if f.bye {
		return p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	payload := f.data
	var flags byte
	if n.compress {
		z, err := zstd.Compress(nil, f.data)
		if err != nil {
			return err
		}
		payload, flags = z, flagZstd
	}
	msg := make([]byte, headerBytes+len(payload))
	binary.LittleEndian.PutUint32(msg, uint32(int32(f.tag)))
	msg[4] = flags
	copy(msg[headerBytes:], payload)
	return p.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (n *Net) readLoop(p *peer) {
	for {
		_, msg, err := p.conn.ReadMessage()
		if err == nil && len(msg) < headerBytes {
			err = fmt.Errorf("short frame of %d bytes", len(msg))
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			n.peerClosed(p)
			return
		}
		if err != nil {
			n.fail(fmt.Errorf("comm: link to rank %d: %w", p.rank, err))
			return
		}
		tag := int(int32(binary.LittleEndian.Uint32(msg)))
		data := msg[headerBytes:]
		if msg[4]&flagZstd != 0 {
			if data, err = zstd.Decompress(nil, data); err != nil {
				n.fail(fmt.Errorf("comm: frame from rank %d: %w", p.rank, err))
				return
			}
		}
		n.box.deliver(p.rank, tag, data)
	}
}

// peerClosed ends the link to a peer that finished. Messages it sent before
// closing stay receivable, everything else involving it fails.
func (n *Net) peerClosed(p *peer) {
	err := fmt.Errorf("%w: rank %d", ErrPeerClosed, p.rank)
	if !p.finish(err) {
		return
	}
	close(p.gone)
	n.box.failFrom(p.rank, err)
	p.conn.Close()
	n.log.WithField("peer", p.rank).Debug("comm: peer closed")
}

func (n *Net) failure() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// fail records the first error, fails pending receives and tears down all links
func (n *Net) fail(err error) {
	n.mu.Lock()
	if n.err != nil {
		n.mu.Unlock()
		return
	}
	n.err = err
	close(n.closed)
	peers := append([]*peer(nil), n.peers...)
	n.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		n.log.WithError(err).Error("comm: transport failed")
	}
	n.box.fail(err)
	n.srv.Close()
	for _, p := range peers {
		if p != nil {
			p.conn.Close()
		}
	}
}

// Close shuts the transport down after frames already queued were sent and
// tells every peer that this rank is done. Pending requests fail with
// ErrClosed.
func (n *Net) Close() error {
	if n.failure() == nil {
		// the echo of our close must not count as the peers leaving
		n.box.fail(ErrClosed)
		n.mu.Lock()
		peers := append([]*peer(nil), n.peers...)
		n.mu.Unlock()
		var byes []Request
		for _, p := range peers {
			if p != nil {
				byes = append(byes, n.enqueue(p, frame{bye: true}))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := WaitAll(ctx, byes); err != nil {
			n.log.WithError(err).Debug("comm: close notification incomplete")
		}
		cancel()
	}
	n.fail(ErrClosed)
	return nil
}
