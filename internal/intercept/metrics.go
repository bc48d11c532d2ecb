package intercept

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	pathFabricated  = "fabricated"
	pathPassthrough = "passthrough"
	pathDelayed     = "delayed"
	pathError       = "error"
	pathInvalid     = "invalid"
)

type dialMetrics struct {
	dials metric.Int64Counter
	delay metric.Int64Histogram
}

func newDialMetrics(logger pslog.Logger) *dialMetrics {
	meter := otel.Meter("pkt.systems/veneer/intercept")
	m := &dialMetrics{}
	var err error

	m.dials, err = meter.Int64Counter(
		"veneer.intercept.dial",
		metric.WithDescription("Intercepted dials by path"),
	)
	logMetricInitError(logger, "veneer.intercept.dial", err)

	m.delay, err = meter.Int64Histogram(
		"veneer.intercept.delay_ms",
		metric.WithDescription("Latency injected into intercepted connections"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "veneer.intercept.delay_ms", err)

	return m
}

func (m *dialMetrics) recordDial(ctx context.Context, path string, delay time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("veneer.intercept.path", path))
	if m.dials != nil {
		m.dials.Add(ctx, 1, attrs)
	}
	if m.delay != nil && delay > 0 {
		m.delay.Record(ctx, delay.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
