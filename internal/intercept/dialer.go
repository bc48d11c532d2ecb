// Package intercept wraps connection factories so each dial resolves a
// behavior for its target and either fabricates a response in memory or
// passes through to the real endpoint with injected latency.
package intercept

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/behavior"
	"pkt.systems/veneer/internal/clock"
	"pkt.systems/veneer/internal/duplex"
	"pkt.systems/veneer/internal/svcfields"
)

// ErrInvalidTarget is returned when a dial address has no resolvable host.
var ErrInvalidTarget = errors.New("intercept: invalid target")

// DefaultHTTPVersion is used in fabricated status lines.
const DefaultHTTPVersion = "1.1"

// ContextDialer is satisfied by *net.Dialer and DialFunc.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialFunc adapts a plain function to ContextDialer.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f.
func (f DialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Option customises a Dialer.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	clock       clock.Clock
	httpVersion string
	tlsConfig   *tls.Config
}

// WithLogger sets the dialer logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the clock used for injected delays.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithHTTPVersion sets the protocol version written in fabricated status
// lines, for example "1.0".
func WithHTTPVersion(v string) Option {
	return func(o *options) {
		o.httpVersion = v
	}
}

// WithTLSConfig sets the client TLS config used by DialTLSContext for
// pass-through connections.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// Dialer is an intercepted connection factory. It is built once around a
// base dialer and is never wrapped again.
type Dialer struct {
	base        ContextDialer
	resolver    behavior.Resolver
	logger      pslog.Logger
	clock       clock.Clock
	httpVersion string
	tlsConfig   *tls.Config
	metrics     *dialMetrics
}

// New composes base with resolver. A nil base dials with net.Dialer. When
// base is already a *Dialer it is returned unchanged.
func New(base ContextDialer, resolver behavior.Resolver, opts ...Option) (*Dialer, error) {
	if d, ok := base.(*Dialer); ok {
		return d, nil
	}
	if resolver == nil {
		return nil, errors.New("intercept: resolver required")
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if base == nil {
		base = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	}
	if o.httpVersion == "" {
		o.httpVersion = DefaultHTTPVersion
	}
	logger := svcfields.WithSubsystem(o.logger, svcfields.Dialer)
	return &Dialer{
		base:        base,
		resolver:    resolver,
		logger:      logger,
		clock:       clock.Ensure(o.clock),
		httpVersion: o.httpVersion,
		tlsConfig:   o.tlsConfig,
		metrics:     newDialMetrics(logger),
	}, nil
}

// TargetKey extracts the behavior key (lower-cased host) from a dial
// address.
func TargetKey(address string) (string, error) {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = behavior.NormalizeKey(host)
	if host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, address)
	}
	return host, nil
}

// DialContext resolves the behavior for address. Intercepting behaviors
// return an in-memory connection immediately and write the fabricated
// response once the caller has sent its request head and the selected
// latency, counted from the dial, has elapsed. Otherwise the base dialer
// is used and inbound reads are held back for the selected latency. Base
// dial errors are returned unchanged.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, _, err := d.dial(ctx, network, address)
	return conn, err
}

// DialTLSContext is DialContext for TLS targets. Fabricated connections are
// returned without TLS; pass-through connections complete a client
// handshake before any delay is applied.
func (d *Dialer) DialTLSContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, target, err := d.dial(ctx, network, address)
	if err != nil || target.fabricated {
		return conn, err
	}
	raw := conn
	if gated, ok := conn.(*gatedConn); ok {
		raw = gated.Conn
	}
	cfg := d.clientTLSConfig(target.key)
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		d.metrics.recordDial(ctx, pathError, 0)
		return nil, err
	}
	if gated, ok := conn.(*gatedConn); ok {
		gated.Conn = tlsConn
		return gated, nil
	}
	return tlsConn, nil
}

func (d *Dialer) clientTLSConfig(host string) *tls.Config {
	var cfg *tls.Config
	if d.tlsConfig != nil {
		cfg = d.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}

type dialTarget struct {
	key        string
	fabricated bool
}

func (d *Dialer) dial(ctx context.Context, network, address string) (net.Conn, dialTarget, error) {
	key, err := TargetKey(address)
	if err != nil {
		d.metrics.recordDial(ctx, pathInvalid, 0)
		return nil, dialTarget{}, err
	}
	target := dialTarget{key: key}
	selected := d.resolver.Lookup(key)
	delay := time.Duration(selected.Delay()) * time.Millisecond
	logger := d.logger.With("conn", xid.New().String(), "target", key)

	if selected.Intercepts() {
		target.fabricated = true
		conn := d.fabricate(logger, network, address, *selected.Response, delay)
		d.metrics.recordDial(ctx, pathFabricated, delay)
		logger.Debug("intercept.dial.fabricated", "status", selected.Response.StatusCode, "delay_ms", delay.Milliseconds())
		return conn, target, nil
	}

	conn, err := d.base.DialContext(ctx, network, address)
	if err != nil {
		d.metrics.recordDial(ctx, pathError, 0)
		logger.Debug("intercept.dial.error", "error", err)
		return nil, target, err
	}
	if delay <= 0 {
		d.metrics.recordDial(ctx, pathPassthrough, 0)
		logger.Trace("intercept.dial.passthrough")
		return conn, target, nil
	}
	d.metrics.recordDial(ctx, pathDelayed, delay)
	logger.Debug("intercept.dial.delayed", "delay_ms", delay.Milliseconds())
	return newGatedConn(conn, d.clock, delay), target, nil
}

func (d *Dialer) fabricate(logger pslog.Logger, network, address string, resp behavior.ResponseVariant, delay time.Duration) net.Conn {
	client, server := duplex.NewPair()
	client.SetRemoteAddr(targetAddr{network: network, address: address})
	payload := FormatResponse(d.httpVersion, resp)
	elapsed := make(chan struct{})
	d.clock.AfterFunc(delay, func() { close(elapsed) })
	go func() {
		if err := awaitRequest(server); err != nil {
			logger.Trace("intercept.fabricate.skipped", "error", err)
			return
		}
		select {
		case <-elapsed:
		case <-server.Done():
		}
		select {
		case <-server.Done():
			logger.Trace("intercept.fabricate.skipped", "state", server.State().String())
			return
		default:
		}
		if _, err := server.Write(payload); err != nil {
			logger.Trace("intercept.fabricate.write_failed", "error", err)
			return
		}
		_ = server.CloseWrite()
	}()
	return client
}

var requestHeadEnd = []byte("\r\n\r\n")

// awaitRequest reads conn until the end of a request head or end of stream.
// Bytes past the head stay unread.
func awaitRequest(conn net.Conn) error {
	buf := make([]byte, 4096)
	var tail []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			window := append(tail, buf[:n]...)
			if bytes.Contains(window, requestHeadEnd) {
				return nil
			}
			keep := len(requestHeadEnd) - 1
			if len(window) < keep {
				keep = len(window)
			}
			tail = append([]byte(nil), window[len(window)-keep:]...)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type targetAddr struct {
	network string
	address string
}

func (a targetAddr) Network() string { return a.network }

func (a targetAddr) String() string { return a.address }
