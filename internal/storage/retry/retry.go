package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/clock"
	"pkt.systems/veneer/internal/storage"
)

// ErrNonReplayableBody is returned when a write failed transiently but its
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg. The
// returned backend forwards storage.ChangeFeed when inner supports it.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", namespace, opts.Prefix, noRewind, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", namespace, key, noRewind, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "put_object", namespace, key, rewinder(body), func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, namespace, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", namespace, key, noRewind, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(namespace string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(namespace)
	}
	return nil, storage.ErrNotImplemented
}

func noRewind() error { return nil }

// rewinder returns a function restoring body to its current offset, or nil
// when body cannot seek.
func rewinder(body io.Reader) func() error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return nil
	}
	offset, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	return func() error {
		_, err := seeker.Seek(offset, io.SeekStart)
		return err
	}
}

func (b *backend) withRetry(ctx context.Context, op, namespace, key string, rewind func() error, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !storage.IsTransient(err) || attempt >= attempts {
			return err
		}
		if rewind == nil {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		b.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay,
			"error", err,
		)
		if err := b.sleep(ctx, delay); err != nil {
			return err
		}
		if err := rewind(); err != nil {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
}

func (b *backend) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	timer := b.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
