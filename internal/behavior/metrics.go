package behavior

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type repositoryMetrics struct {
	refreshes       metric.Int64Counter
	refreshDuration metric.Int64Histogram
	provisions      metric.Int64Counter
	snapshotSize    metric.Int64ObservableGauge
	registration    metric.Registration
}

func newRepositoryMetrics(logger pslog.Logger, repo *Repository) *repositoryMetrics {
	meter := otel.Meter("pkt.systems/veneer/behavior")
	m := &repositoryMetrics{}
	var err error

	m.refreshes, err = meter.Int64Counter(
		"veneer.behavior.refresh",
		metric.WithDescription("Behavior snapshot refresh attempts"),
	)
	logMetricInitError(logger, "veneer.behavior.refresh", err)

	m.refreshDuration, err = meter.Int64Histogram(
		"veneer.behavior.refresh.duration_ms",
		metric.WithDescription("Behavior snapshot refresh duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "veneer.behavior.refresh.duration_ms", err)

	m.provisions, err = meter.Int64Counter(
		"veneer.behavior.provision",
		metric.WithDescription("Default behaviors provisioned for unknown keys"),
	)
	logMetricInitError(logger, "veneer.behavior.provision", err)

	m.snapshotSize, err = meter.Int64ObservableGauge(
		"veneer.behavior.snapshot.size",
		metric.WithDescription("Behaviors held in the current snapshot"),
	)
	logMetricInitError(logger, "veneer.behavior.snapshot.size", err)

	if m.snapshotSize != nil {
		reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if repo == nil {
				return nil
			}
			o.ObserveInt64(m.snapshotSize, int64(repo.Snapshot().Len()))
			return nil
		}, m.snapshotSize)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "veneer.behavior.snapshot.size", "error", err)
		}
		m.registration = reg
	}
	return m
}

func (m *repositoryMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func (m *repositoryMetrics) recordRefresh(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("veneer.behavior.result", result))
	if m.refreshes != nil {
		m.refreshes.Add(ctx, 1, attrs)
	}
	if m.refreshDuration != nil && result != "skipped" {
		m.refreshDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *repositoryMetrics) recordProvision(ctx context.Context, result string) {
	if m == nil || m.provisions == nil {
		return
	}
	m.provisions.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("veneer.behavior.result", result)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
