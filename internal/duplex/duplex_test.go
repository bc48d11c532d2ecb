package duplex

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRoundTripEndsAfterData(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("foo")); err != nil {
		t.Fatalf("write foo: %v", err)
	}
	if _, err := a.Write([]byte("bar")); err != nil {
		t.Fatalf("write bar: %v", err)
	}
	if err := a.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	if got := a.State(); got != StateEnding {
		t.Fatalf("state=%v want ending", got)
	}
	data, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "foobar" {
		t.Fatalf("read %q want foobar", data)
	}
	if _, err := a.Write([]byte("late")); !errors.Is(err, ErrWriteAfterEnd) {
		t.Fatalf("expected ErrWriteAfterEnd, got %v", err)
	}
}

func TestBothDirectionsIndependent(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("ping")); err != nil {
		t.Fatalf("a write: %v", err)
	}
	if _, err := b.Write([]byte("pong")); err != nil {
		t.Fatalf("b write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := b.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("b read %q err=%v", buf[:n], err)
	}
	n, err = a.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("a read %q err=%v", buf[:n], err)
	}
	_ = a.CloseWrite()
	_ = b.CloseWrite()
	if _, err := a.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("a expected EOF, got %v", err)
	}
	if _, err := b.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("b expected EOF, got %v", err)
	}
	if got := a.State(); got != StateClosed {
		t.Fatalf("state=%v want closed", got)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after both directions drained")
	}
}

func TestOrderedDeliveryAcrossSmallReads(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(b)
		done <- data
	}()
	var want []byte
	for i := 0; i < 200; i++ {
		chunk := []byte{byte(i), byte(i >> 1)}
		want = append(want, chunk...)
		if _, err := a.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	_ = a.CloseWrite()
	select {
	case got := <-done:
		if string(got) != string(want) {
			t.Fatalf("bytes reordered or dropped: got %d bytes want %d", len(got), len(want))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestDestroyPropagatesError(t *testing.T) {
	a, b := NewPair()
	boom := errors.New("connection reset by chaos")

	if _, err := b.Write([]byte("never delivered")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.Destroy(boom)
	buf := make([]byte, 32)
	n, err := a.Read(buf)
	if n != 0 || err == nil || err.Error() != boom.Error() {
		t.Fatalf("peer read n=%d err=%v, want %v", n, err, boom)
	}
	if _, err := a.Write([]byte("x")); !errors.Is(err, boom) {
		t.Fatalf("peer write err=%v", err)
	}
	if _, err := b.Read(buf); !errors.Is(err, boom) {
		t.Fatalf("local read err=%v", err)
	}
	if a.State() != StateErrored || !errors.Is(a.Err(), boom) {
		t.Fatalf("state=%v err=%v", a.State(), a.Err())
	}
	b.Destroy(errors.New("second"))
	if !errors.Is(a.Err(), boom) {
		t.Fatalf("second destroy replaced error: %v", a.Err())
	}
}

func TestDestroyWakesBlockedReader(t *testing.T) {
	a, b := NewPair()
	boom := errors.New("boom")
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Destroy(boom)
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("blocked reader got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader not woken")
	}
}

func TestCloseSemantics(t *testing.T) {
	a, b := NewPair()
	if _, err := a.Write([]byte("tail")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("read after close err=%v", err)
	}
	if _, err := a.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("write after close err=%v", err)
	}
	data, err := io.ReadAll(b)
	if err != nil || string(data) != "tail" {
		t.Fatalf("peer read %q err=%v", data, err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("peer write err=%v", err)
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	b.Destroy(nil)
}

func TestReadDeadline(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if err := a.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	start := time.Now()
	_, err := a.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("deadline fired early")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout net.Error, got %T", err)
	}

	if err := a.SetReadDeadline(time.Time{}); err != nil {
		t.Fatalf("clear deadline: %v", err)
	}
	if _, err := b.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(a, buf); err != nil || string(buf) != "ok" {
		t.Fatalf("read after clearing deadline %q err=%v", buf, err)
	}
}

func TestWriteDeadlinePast(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()
	_ = a.SetWriteDeadline(time.Now().Add(-time.Second))
	if _, err := a.Write([]byte("x")); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestAddresses(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()
	if a.LocalAddr().Network() != "duplex" || a.RemoteAddr().String() != b.LocalAddr().String() {
		t.Fatalf("unexpected addrs %v %v", a.LocalAddr(), a.RemoteAddr())
	}
	a.SetRemoteAddr(Addr("api.example.com:443"))
	if a.RemoteAddr().String() != "api.example.com:443" {
		t.Fatalf("remote=%v", a.RemoteAddr())
	}
	a.SetRemoteAddr(nil)
	if a.RemoteAddr().String() != "api.example.com:443" {
		t.Fatal("nil address should be ignored")
	}
}

func TestDestroyNilClosesLikeClose(t *testing.T) {
	a, b := NewPair()
	if _, err := a.Write([]byte("last")); err != nil {
		t.Fatalf("write: %v", err)
	}
	a.Destroy(nil)
	if a.Err() != nil {
		t.Fatalf("Destroy(nil) recorded error %v", a.Err())
	}
	data, err := io.ReadAll(b)
	if err != nil || string(data) != "last" {
		t.Fatalf("peer read %q err=%v", data, err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("peer write err=%v", err)
	}
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("read on closed end err=%v", err)
	}
	_ = b.Close()
}
