// Package duplex provides an in-memory, bidirectional net.Conn pair with
// half-close and error propagation. Bytes written to one end are read from
// the other in write order; writes never block.
package duplex

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ErrWriteAfterEnd is returned by Write after CloseWrite.
var ErrWriteAfterEnd = errors.New("duplex: write after end")

// State describes the lifecycle of a pair.
type State int

const (
	// StateOpen means both directions accept writes.
	StateOpen State = iota
	// StateEnding means at least one direction has ended but the pair is
	// not yet fully drained.
	StateEnding
	// StateErrored means the pair was destroyed with an error.
	StateErrored
	// StateClosed means both directions ended and drained, or both ends were
	// closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnding:
		return "ending"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Addr is the synthetic address reported by pair ends.
type Addr string

// Network implements net.Addr.
func (Addr) Network() string { return "duplex" }

func (a Addr) String() string { return string(a) }

type stream struct {
	data  []byte
	ended bool
}

type pair struct {
	mu      sync.Mutex
	changed chan struct{}
	err     error
	done    chan struct{}
	doneSet bool
	// ab carries bytes written by a and read by b, ba the reverse.
	ab, ba stream
}

// broadcastLocked wakes every blocked reader. Callers hold p.mu.
func (p *pair) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pair) markDoneLocked() {
	if !p.doneSet {
		p.doneSet = true
		close(p.done)
	}
}

// End is one side of a pair. It implements net.Conn.
type End struct {
	p      *pair
	peer   *End
	in     *stream
	out    *stream
	closed bool

	addrMu sync.Mutex
	local  net.Addr
	remote net.Addr

	readDeadline  *deadline
	writeDeadline *deadline
}

// NewPair returns two connected ends.
func NewPair() (*End, *End) {
	p := &pair{changed: make(chan struct{}), done: make(chan struct{})}
	a := &End{p: p, in: &p.ba, out: &p.ab, local: Addr("duplex-a"), remote: Addr("duplex-b"), readDeadline: newDeadline(), writeDeadline: newDeadline()}
	b := &End{p: p, in: &p.ab, out: &p.ba, local: Addr("duplex-b"), remote: Addr("duplex-a"), readDeadline: newDeadline(), writeDeadline: newDeadline()}
	a.peer, b.peer = b, a
	return a, b
}

// Read blocks until data, end of stream, an error or the read deadline.
func (e *End) Read(b []byte) (int, error) {
	for {
		e.p.mu.Lock()
		if err := e.readErrLocked(); err != nil {
			e.p.mu.Unlock()
			return 0, err
		}
		if len(e.in.data) > 0 {
			if len(b) == 0 {
				e.p.mu.Unlock()
				return 0, nil
			}
			n := copy(b, e.in.data)
			e.in.data = e.in.data[n:]
			if len(e.in.data) == 0 {
				e.in.data = nil
				e.settleLocked()
			}
			e.p.mu.Unlock()
			return n, nil
		}
		if e.in.ended {
			e.settleLocked()
			e.p.mu.Unlock()
			return 0, io.EOF
		}
		changed := e.p.changed
		e.p.mu.Unlock()

		select {
		case <-changed:
		case <-e.readDeadline.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (e *End) readErrLocked() error {
	switch {
	case e.p.err != nil:
		return e.p.err
	case e.closed:
		return net.ErrClosed
	}
	select {
	case <-e.readDeadline.wait():
		return os.ErrDeadlineExceeded
	default:
	}
	return nil
}

// Write queues b for the peer. It never blocks.
func (e *End) Write(b []byte) (int, error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	switch {
	case e.p.err != nil:
		return 0, e.p.err
	case e.closed:
		return 0, net.ErrClosed
	case e.peer.closed:
		return 0, io.ErrClosedPipe
	case e.out.ended:
		return 0, ErrWriteAfterEnd
	}
	select {
	case <-e.writeDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	default:
	}
	if len(b) == 0 {
		return 0, nil
	}
	e.out.data = append(e.out.data, b...)
	e.p.broadcastLocked()
	return len(b), nil
}

// CloseWrite ends this end's outbound direction. Queued bytes stay readable
// by the peer, which then sees io.EOF.
func (e *End) CloseWrite() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	switch {
	case e.p.err != nil:
		return e.p.err
	case e.closed:
		return net.ErrClosed
	}
	if !e.out.ended {
		e.out.ended = true
		e.settleLocked()
		e.p.broadcastLocked()
	}
	return nil
}

// Destroy tears the pair down. A non-nil err is returned by every later
// Read and Write on both ends and queued bytes are discarded. A nil err
// behaves like Close.
func (e *End) Destroy(err error) {
	if err == nil {
		_ = e.Close()
		return
	}
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.err != nil {
		return
	}
	e.p.err = err
	e.p.ab = stream{ended: true}
	e.p.ba = stream{ended: true}
	e.p.markDoneLocked()
	e.p.broadcastLocked()
}

// Close closes this end. The peer drains what this end already wrote and
// then reads io.EOF; its writes fail with io.ErrClosedPipe.
func (e *End) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.out.ended = true
	e.in.data = nil
	e.in.ended = true
	e.p.markDoneLocked()
	e.p.broadcastLocked()
	return nil
}

// Err returns the error the pair was destroyed with, if any.
func (e *End) Err() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.err
}

// Done is closed once the pair is destroyed, either end is closed, or both
// directions have ended and drained.
func (e *End) Done() <-chan struct{} {
	return e.p.done
}

// State reports the pair state.
func (e *End) State() State {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.stateLocked()
}

func (p *pair) stateLocked() State {
	switch {
	case p.err != nil:
		return StateErrored
	case p.ab.ended && p.ba.ended && len(p.ab.data) == 0 && len(p.ba.data) == 0:
		return StateClosed
	case p.ab.ended || p.ba.ended:
		return StateEnding
	default:
		return StateOpen
	}
}

// settleLocked closes done once both directions are drained.
func (e *End) settleLocked() {
	if e.p.stateLocked() == StateClosed {
		e.p.markDoneLocked()
	}
}

// LocalAddr implements net.Conn.
func (e *End) LocalAddr() net.Addr {
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	return e.local
}

// RemoteAddr implements net.Conn.
func (e *End) RemoteAddr() net.Addr {
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	return e.remote
}

// SetRemoteAddr overrides the address reported by RemoteAddr.
func (e *End) SetRemoteAddr(addr net.Addr) {
	if addr == nil {
		return
	}
	e.addrMu.Lock()
	e.remote = addr
	e.addrMu.Unlock()
}

// SetDeadline implements net.Conn.
func (e *End) SetDeadline(t time.Time) error {
	e.readDeadline.set(t)
	e.writeDeadline.set(t)
	return nil
}

// SetReadDeadline implements net.Conn.
func (e *End) SetReadDeadline(t time.Time) error {
	e.readDeadline.set(t)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (e *End) SetWriteDeadline(t time.Time) error {
	e.writeDeadline.set(t)
	return nil
}

var _ net.Conn = (*End)(nil)
