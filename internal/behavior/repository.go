package behavior

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/clock"
	"pkt.systems/veneer/internal/storage"
	"pkt.systems/veneer/internal/svcfields"
)

const (
	// DefaultRefreshInterval is the debounce window between snapshot loads.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultStoreTimeout bounds each background store call.
	DefaultStoreTimeout = 10 * time.Second
)

// Resolver resolves a target key into a selected behavior without blocking.
type Resolver interface {
	Lookup(key string) SelectedBehavior
}

// RepositoryConfig configures a Repository.
type RepositoryConfig struct {
	Store           Store
	Logger          pslog.Logger
	Clock           clock.Clock
	RefreshInterval time.Duration
	StoreTimeout    time.Duration
	// Rand returns values in [0,1). Nil uses math/rand/v2.
	Rand func() float64
	// DisableChangeFeed skips subscribing to store change notifications.
	DisableChangeFeed bool
}

// changeSource is implemented by stores able to push change notifications.
type changeSource interface {
	SubscribeChanges() (storage.ChangeSubscription, error)
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// Repository caches behaviors in an atomically swapped snapshot. Lookups
// never touch the store; refreshes and provisioning happen in the
// background.
type Repository struct {
	store    Store
	logger   pslog.Logger
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	rnd      func() float64
	metrics  *repositoryMetrics

	snapshot    atomic.Pointer[Snapshot]
	lastAttempt atomic.Int64
	inflight    atomic.Pointer[refreshCall]
	provisions  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
	sub    storage.ChangeSubscription
	closed bool
}

// NewRepository builds a repository with an empty snapshot. Call Preload to
// populate it before serving traffic.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errors.New("behavior: repository requires a store")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Repository)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Repository{
		store:    cfg.Store,
		logger:   logger,
		clock:    clock.Ensure(cfg.Clock),
		interval: cfg.RefreshInterval,
		timeout:  cfg.StoreTimeout,
		rnd:      cfg.Rand,
		ctx:      ctx,
		cancel:   cancel,
	}
	empty := Snapshot{}
	r.snapshot.Store(&empty)
	r.metrics = newRepositoryMetrics(logger, r)
	if !cfg.DisableChangeFeed {
		r.watch()
	}
	return r, nil
}

// Lookup selects a behavior for key from the current snapshot. Unknown keys
// are provisioned in the background and resolve to an empty selection for
// this call. A background refresh is started when the debounce window has
// elapsed.
func (r *Repository) Lookup(key string) SelectedBehavior {
	key = NormalizeKey(key)
	snap := *r.snapshot.Load()
	b, ok := snap[key]
	if !ok && key != "" {
		r.background(func(ctx context.Context) { r.Provision(ctx, key) })
	}
	r.kickRefresh()
	if !ok {
		return SelectedBehavior{}
	}
	return b.Select(r.rnd)
}

// Latency returns only the latency half of a lookup. It is the hook used
// around handler invocations.
func (r *Repository) Latency(key string) *LatencyVariant {
	return r.Lookup(key).Latency
}

// Snapshot returns the currently published snapshot. Callers must not modify
// it.
func (r *Repository) Snapshot() Snapshot {
	return *r.snapshot.Load()
}

// RefreshSnapshot reloads every behavior from the store unless a refresh is
// already running or the debounce window has not elapsed, in which case it
// returns nil without contacting the store. On failure the previous
// snapshot is kept and the error is returned to this caller only.
func (r *Repository) RefreshSnapshot(ctx context.Context) error {
	if !r.due() {
		r.metrics.recordRefresh(ctx, "skipped", 0)
		return nil
	}
	call := &refreshCall{done: make(chan struct{})}
	if !r.inflight.CompareAndSwap(nil, call) {
		r.metrics.recordRefresh(ctx, "skipped", 0)
		return nil
	}
	if !r.due() {
		r.finish(call, nil)
		r.metrics.recordRefresh(ctx, "skipped", 0)
		return nil
	}
	return r.run(ctx, call)
}

// Preload forces a refresh regardless of the debounce window. When another
// refresh is running Preload waits for it and returns its outcome.
func (r *Repository) Preload(ctx context.Context) error {
	for {
		call := &refreshCall{done: make(chan struct{})}
		if r.inflight.CompareAndSwap(nil, call) {
			return r.run(ctx, call)
		}
		existing := r.inflight.Load()
		if existing == nil {
			continue
		}
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Provision stores the default behavior for key in the snapshot and inserts
// it into the store unless a record already exists. Failures are logged and
// otherwise ignored. Concurrent calls for the same key share one attempt.
func (r *Repository) Provision(ctx context.Context, key string) {
	key = NormalizeKey(key)
	if key == "" {
		return
	}
	_, _, _ = r.provisions.Do(key, func() (any, error) {
		if _, ok := (*r.snapshot.Load())[key]; ok {
			return nil, nil
		}
		b := DefaultBehavior(key)
		r.storeProvisional(b)
		storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err := r.store.InsertIfAbsent(storeCtx, b)
		switch {
		case err == nil:
			r.metrics.recordProvision(ctx, "inserted")
			r.logger.Debug("behavior.provision.inserted", "key", key)
		case errors.Is(err, ErrAlreadyExists):
			r.metrics.recordProvision(ctx, "exists")
			r.logger.Debug("behavior.provision.exists", "key", key)
		default:
			r.metrics.recordProvision(ctx, "error")
			r.logger.Debug("behavior.provision.error", "key", key, "error", err)
		}
		return nil, nil
	})
}

// Close stops background work and releases the change subscription.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	var err error
	if r.sub != nil {
		err = r.sub.Close()
	}
	r.wg.Wait()
	r.metrics.close()
	return err
}

func (r *Repository) due() bool {
	last := r.lastAttempt.Load()
	if last == 0 {
		return true
	}
	return r.clock.Since(time.Unix(0, last)) >= r.interval
}

func (r *Repository) kickRefresh() {
	if !r.due() || r.inflight.Load() != nil {
		return
	}
	r.background(func(ctx context.Context) { _ = r.RefreshSnapshot(ctx) })
}

func (r *Repository) background(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

func (r *Repository) run(ctx context.Context, call *refreshCall) error {
	start := r.clock.Now()
	r.lastAttempt.Store(start.UnixNano())
	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	items, err := r.store.ListAll(storeCtx)
	cancel()
	if err != nil {
		r.metrics.recordRefresh(ctx, "error", r.clock.Since(start))
		r.logger.Warn("behavior.refresh.error", "error", err)
		r.finish(call, err)
		return err
	}
	next := make(Snapshot, len(items))
	for _, b := range items {
		b.Normalize()
		if b.Key == "" {
			continue
		}
		next[b.Key] = b
	}
	r.snapshot.Store(&next)
	elapsed := r.clock.Since(start)
	r.metrics.recordRefresh(ctx, "ok", elapsed)
	r.logger.Debug("behavior.refresh.complete", "behaviors", len(next), "elapsed", elapsed)
	r.finish(call, nil)
	return nil
}

func (r *Repository) finish(call *refreshCall, err error) {
	call.err = err
	r.inflight.CompareAndSwap(call, nil)
	close(call.done)
}

func (r *Repository) storeProvisional(b Behavior) {
	for {
		current := r.snapshot.Load()
		if _, ok := (*current)[b.Key]; ok {
			return
		}
		next := current.Clone()
		next[b.Key] = b
		if r.snapshot.CompareAndSwap(current, &next) {
			return
		}
	}
}

// watch subscribes to store changes; each change expires the debounce
// window so the next lookup refreshes.
func (r *Repository) watch() {
	source, ok := r.store.(changeSource)
	if !ok {
		return
	}
	sub, err := source.SubscribeChanges()
	if err != nil {
		if !errors.Is(err, storage.ErrNotImplemented) {
			r.logger.Warn("behavior.watch.subscribe_failed", "error", err)
		}
		return
	}
	r.sub = sub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		events := sub.Events()
		for {
			select {
			case <-r.ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				r.lastAttempt.Store(0)
				r.logger.Trace("behavior.watch.changed")
			}
		}
	}()
}
