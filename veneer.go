package veneer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/behavior"
	"pkt.systems/veneer/internal/clock"
	"pkt.systems/veneer/internal/intercept"
	"pkt.systems/veneer/internal/storage"
)

// Option customises a Veneer.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Backend    storage.Backend
	Clock      clock.Clock
	BaseDialer intercept.ContextDialer
	Rand       func() float64
}

// WithLogger supplies the logger used by every component.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The caller
// keeps ownership; Close does not close it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBaseDialer sets the dialer used for pass-through connections.
func WithBaseDialer(d intercept.ContextDialer) Option {
	return func(o *options) {
		o.BaseDialer = d
	}
}

// WithRand overrides the random source used for variant selection. fn must
// return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(o *options) {
		o.Rand = fn
	}
}

// Veneer ties a behavior repository to an intercepted dialer and the HTTP
// plumbing built on top of it.
type Veneer struct {
	cfg         Config
	logger      pslog.Logger
	clock       clock.Clock
	backend     storage.Backend
	ownsBackend bool
	store       *behavior.ObjectStore
	repo        *behavior.Repository
	dialer      *intercept.Dialer
	transport   *http.Transport

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, opens the backend, and preloads the behavior snapshot.
// A failed preload is logged and leaves the snapshot empty; lookups keep
// retrying in the background.
func New(ctx context.Context, cfg Config, opts ...Option) (*Veneer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Ensure(o.Clock)
	v := &Veneer{cfg: cfg, logger: logger, clock: clk}

	backend := o.Backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(ctx, cfg, logger, clk)
		if err != nil {
			return nil, fmt.Errorf("veneer: open store: %w", err)
		}
		v.ownsBackend = true
	}
	v.backend = backend
	v.store = behavior.NewObjectStore(backend, cfg.Namespace)

	repo, err := behavior.NewRepository(behavior.RepositoryConfig{
		Store:             v.store,
		Logger:            logger,
		Clock:             clk,
		RefreshInterval:   cfg.RefreshInterval,
		StoreTimeout:      cfg.StoreTimeout,
		Rand:              o.Rand,
		DisableChangeFeed: cfg.DisableChangeFeed,
	})
	if err != nil {
		_ = v.closeBackend()
		return nil, err
	}
	v.repo = repo

	dialer, err := intercept.New(o.BaseDialer, repo,
		intercept.WithLogger(logger),
		intercept.WithClock(clk),
		intercept.WithHTTPVersion(cfg.HTTPVersion),
	)
	if err != nil {
		_ = repo.Close()
		_ = v.closeBackend()
		return nil, err
	}
	v.dialer = dialer
	v.transport = intercept.Transport(nil, dialer)
	v.transport.ResponseHeaderTimeout = cfg.UpstreamTimeout

	if !cfg.SkipPreload {
		if err := repo.Preload(ctx); err != nil {
			logger.Warn("veneer.preload.failed", "store", cfg.Store, "namespace", cfg.Namespace, "error", err)
		} else {
			logger.Info("veneer.preload.complete", "behaviors", repo.Snapshot().Len())
		}
	}
	return v, nil
}

// Config returns the validated configuration.
func (v *Veneer) Config() Config { return v.cfg }

// Repository exposes the behavior repository.
func (v *Veneer) Repository() *behavior.Repository { return v.repo }

// Store exposes the behavior store backing the repository.
func (v *Veneer) Store() *behavior.ObjectStore { return v.store }

// Dialer returns the intercepted connection factory.
func (v *Veneer) Dialer() *intercept.Dialer { return v.dialer }

// Transport returns an http.Transport whose connections go through the
// intercepted dialer.
func (v *Veneer) Transport() *http.Transport { return v.transport }

// HTTPClient returns a traced client over Transport.
func (v *Veneer) HTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(v.transport)}
}

// HandlerLatency resolves the latency variant for a named handler.
func (v *Veneer) HandlerLatency(name string) *behavior.LatencyVariant {
	return v.repo.Latency(name)
}

// WrapHandler delays each invocation of h by the latency resolved for name.
func WrapHandler[Req, Resp any](v *Veneer, name string, h intercept.Handler[Req, Resp]) intercept.Handler[Req, Resp] {
	return intercept.WrapHandler(v.clock, v.HandlerLatency, behavior.NormalizeKey(name), h)
}

// Close stops background work and closes the backend when Veneer opened it.
func (v *Veneer) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if v.transport != nil {
			v.transport.CloseIdleConnections()
		}
		if v.repo != nil {
			if err := v.repo.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := v.closeBackend(); err != nil {
			errs = append(errs, err)
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}

func (v *Veneer) closeBackend() error {
	if !v.ownsBackend || v.backend == nil {
		return nil
	}
	return v.backend.Close()
}
