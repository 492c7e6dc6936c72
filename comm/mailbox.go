package comm

import (
	"context"
	"fmt"
	"sync"
)

// request implements Request for both transports
type request struct {
	done chan struct{}
	once sync.Once
	err  error
	buf  []byte
}

func newRequest(buf []byte) *request {
	return &request{done: make(chan struct{}), buf: buf}
}

func completed(err error) *request {
	r := newRequest(nil)
	r.complete(err)
	return r
}

func (r *request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// fill copies an arrived message into the posted buffer
func (r *request) fill(data []byte) {
	if len(data) > len(r.buf) {
		r.complete(fmt.Errorf("%w: %d > %d bytes", ErrTruncated, len(data), len(r.buf)))
		return
	}
	copy(r.buf, data)
	r.complete(nil)
}

func (r *request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type channel struct {
	src, tag int
}

// mailbox matches incoming messages of one rank against posted receives,
// first come first served per (source, tag)
type mailbox struct {
	mu      sync.Mutex
	arrived map[channel][][]byte
	posted  map[channel][]*request
	err     error
	gone    map[int]error // sources that will not send anymore
}

func newMailbox() *mailbox {
	return &mailbox{
		arrived: make(map[channel][][]byte),
		posted:  make(map[channel][]*request),
		gone:    make(map[int]error),
	}
}

// deliver takes ownership of data
func (m *mailbox) deliver(src, tag int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	ch := channel{src, tag}
	if q := m.posted[ch]; len(q) > 0 {
		r := q[0]
		m.posted[ch] = q[1:]
		r.fill(data)
		return
	}
	m.arrived[ch] = append(m.arrived[ch], data)
}

func (m *mailbox) post(src, tag int, buf []byte) *request {
	r := newRequest(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	// messages that arrived before a failure can still be matched
	ch := channel{src, tag}
	if q := m.arrived[ch]; len(q) > 0 {
		data := q[0]
		m.arrived[ch] = q[1:]
		r.fill(data)
		return r
	}
	if m.err != nil {
		r.complete(m.err)
		return r
	}
	if err := m.gone[src]; err != nil {
		r.complete(err)
		return r
	}
	m.posted[ch] = append(m.posted[ch], r)
	return r
}

// fail completes all pending receives with err and rejects future ones
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	for ch, q := range m.posted {
		for _, r := range q {
			r.complete(err)
		}
		delete(m.posted, ch)
	}
}

// failFrom completes the pending receives from src with err and rejects
// future ones that no arrived message can match
func (m *mailbox) failFrom(src int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil || m.gone[src] != nil {
		return
	}
	m.gone[src] = err
	for ch, q := range m.posted {
		if ch.src != src {
			continue
		}
		for _, r := range q {
			r.complete(err)
		}
		delete(m.posted, ch)
	}
}
