package veneer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http/httpguts"

	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/correlation"
	"pkt.systems/veneer/internal/svcfields"
)

const proxyShutdownTimeout = 10 * time.Second

// hopHeaders are stripped from both directions of a proxied exchange.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is a plain-HTTP forward proxy whose upstream connections go through
// the intercepted dialer. CONNECT tunnels are refused.
type Proxy struct {
	transport http.RoundTripper
	logger    pslog.Logger
	maxBody   int64
}

// NewProxy builds a forward proxy over v's transport.
func NewProxy(v *Veneer) *Proxy {
	return &Proxy{
		transport: v.Transport(),
		logger:    svcfields.WithSubsystem(v.logger, svcfields.Proxy),
		maxBody:   v.cfg.MaxBodyBytes,
	}
}

// Handler returns the proxy wrapped with otelhttp server instrumentation.
func (p *Proxy) Handler() http.Handler {
	return otelhttp.NewHandler(p, "veneer.proxy",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "veneer.proxy " + r.Method
		}),
	)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cid := correlation.FromRequest(r)
	w.Header().Set(correlation.Header, cid)
	logger := p.logger.With("cid", cid, "method", r.Method, "host", r.Host)

	if r.Method == http.MethodConnect {
		logger.Debug("proxy.connect.refused")
		http.Error(w, "CONNECT tunnels are not supported", http.StatusNotImplemented)
		return
	}
	if !r.URL.IsAbs() || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		logger.Debug("proxy.request.invalid", "url", r.URL.String())
		http.Error(w, "absolute http or https URL required", http.StatusBadRequest)
		return
	}

	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Close = false
	out.Header.Set(correlation.Header, cid)
	removeHopHeaders(out.Header)
	if httpguts.HeaderValuesContainsToken(r.Header["Te"], "trailers") {
		out.Header.Set("Te", "trailers")
	}
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.Body != nil && r.Body != http.NoBody {
		out.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	}

	start := time.Now()
	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Debug("proxy.request.too_large", "limit", tooLarge.Limit)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if ctx.Err() != nil {
			logger.Debug("proxy.request.cancelled", "error", err)
			return
		}
		logger.Warn("proxy.upstream.error", "url", r.URL.String(), "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil {
		logger.Debug("proxy.response.copy_failed", "bytes", n, "error", copyErr)
		return
	}
	logger.Debug("proxy.request.complete",
		"status", resp.StatusCode,
		"bytes", n,
		"elapsed", time.Since(start),
	)
}

// Serve accepts proxy requests on ln until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	p.logger.Info("proxy.listen", "address", ln.Addr().String())
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), proxyShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	p.logger.Info("proxy.shutdown.complete")
	return err
}

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			name = textproto.TrimString(name)
			if name != "" && httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
