package intercept

import (
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/veneer/internal/clock"
)

// gatedConn holds back reads until its gate opens. Writes pass through.
type gatedConn struct {
	net.Conn

	open      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	timer     clock.Timer

	mu           sync.Mutex
	readDeadline time.Time
	// deadlineSet is closed and replaced whenever the read deadline changes.
	deadlineSet chan struct{}
}

func newGatedConn(conn net.Conn, clk clock.Clock, delay time.Duration) *gatedConn {
	g := &gatedConn{
		Conn:        conn,
		open:        make(chan struct{}),
		closed:      make(chan struct{}),
		deadlineSet: make(chan struct{}),
	}
	g.timer = clock.Ensure(clk).AfterFunc(delay, func() { close(g.open) })
	return g
}

func (g *gatedConn) Read(b []byte) (int, error) {
	for {
		select {
		case <-g.open:
			return g.Conn.Read(b)
		default:
		}
		g.mu.Lock()
		deadline := g.readDeadline
		changed := g.deadlineSet
		g.mu.Unlock()
		var expired <-chan time.Time
		var t *time.Timer
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			t = time.NewTimer(wait)
			expired = t.C
		}
		select {
		case <-g.open:
			stopTimer(t)
			return g.Conn.Read(b)
		case <-g.closed:
			stopTimer(t)
			return 0, net.ErrClosed
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		case <-changed:
			stopTimer(t)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (g *gatedConn) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.timer.Stop()
	})
	return g.Conn.Close()
}

// CloseWrite half-closes the underlying connection when it supports it.
func (g *gatedConn) CloseWrite() error {
	if cw, ok := g.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (g *gatedConn) SetDeadline(t time.Time) error {
	g.setReadDeadline(t)
	return g.Conn.SetDeadline(t)
}

func (g *gatedConn) SetReadDeadline(t time.Time) error {
	g.setReadDeadline(t)
	return g.Conn.SetReadDeadline(t)
}

func (g *gatedConn) setReadDeadline(t time.Time) {
	g.mu.Lock()
	g.readDeadline = t
	close(g.deadlineSet)
	g.deadlineSet = make(chan struct{})
	g.mu.Unlock()
}
