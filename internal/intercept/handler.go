package intercept

import (
	"context"
	"time"

	"pkt.systems/veneer/internal/behavior"
	"pkt.systems/veneer/internal/clock"
)

// LatencyFunc resolves the latency variant for a handler key.
type LatencyFunc func(key string) *behavior.LatencyVariant

// Handler is an invocation handler that can be wrapped with injected
// latency.
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// WrapHandler delays every invocation of h by the latency resolved for key.
// The wait honours ctx; a cancelled wait returns ctx.Err() without calling
// h.
func WrapHandler[Req, Resp any](clk clock.Clock, latency LatencyFunc, key string, h Handler[Req, Resp]) Handler[Req, Resp] {
	clk = clock.Ensure(clk)
	return func(ctx context.Context, req Req) (Resp, error) {
		if latency != nil {
			if v := latency(key); v != nil && v.DelayMs > 0 {
				if err := sleep(ctx, clk, time.Duration(v.DelayMs)*time.Millisecond); err != nil {
					var zero Resp
					return zero, err
				}
			}
		}
		return h(ctx, req)
	}
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fired := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
