package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/correlation"
	"pkt.systems/veneer/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging. The returned
// backend forwards storage.ChangeFeed when inner supports it.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/veneer/storage"),
		sys:    sys,
	}
}

type operation struct {
	span   trace.Span
	logger pslog.Logger
	name   string
	begin  time.Time
}

func (b *backend) start(ctx context.Context, op, namespace string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := b.tracer.Start(ctx, "veneer.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("veneer.storage.operation", op),
		attribute.String("veneer.storage.namespace", namespace),
		attribute.String("veneer.sys", b.sys),
	)
	span.SetAttributes(attrs...)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("veneer.correlation_id", corr))
	}
	logger = logger.With("namespace", namespace)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, &operation{span: span, logger: logger, name: op, begin: time.Now()}
}

// finish ends the span and logs the outcome. Missing objects and failed
// conditions are expected outcomes and do not mark the span as failed.
func (o *operation) finish(err error, keyvals ...any) {
	defer o.span.End()
	elapsed := time.Since(o.begin)
	keyvals = append(keyvals, "elapsed", elapsed)
	switch {
	case err == nil:
		o.span.SetStatus(codes.Ok, "")
		o.logger.Trace("storage."+o.name+".success", keyvals...)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		o.span.SetAttributes(attribute.String("veneer.storage.result", err.Error()))
		o.logger.Trace("storage."+o.name+".miss", append(keyvals, "error", err)...)
	default:
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, "storage_error")
		o.logger.Debug("storage."+o.name+".error", append(keyvals, "error", err)...)
	}
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, op := b.start(ctx, "list_objects", namespace,
		attribute.String("veneer.storage.prefix", opts.Prefix),
		attribute.Int("veneer.storage.limit", opts.Limit),
	)
	result, err := b.inner.ListObjects(ctx, namespace, opts)
	count := 0
	if result != nil {
		count = len(result.Objects)
		op.span.SetAttributes(attribute.Int("veneer.storage.object_count", count))
	}
	op.finish(err, "prefix", opts.Prefix, "start_after", opts.StartAfter, "count", count)
	return result, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, op := b.start(ctx, "get_object", namespace, attribute.String("veneer.storage.key", key))
	result, err := b.inner.GetObject(ctx, namespace, key)
	etag := ""
	if result.Info != nil {
		etag = result.Info.ETag
		op.span.SetAttributes(attribute.Int64("veneer.storage.object_size", result.Info.Size))
	}
	op.finish(err, "key", key, "etag", etag)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, op := b.start(ctx, "put_object", namespace,
		attribute.String("veneer.storage.key", key),
		attribute.Bool("veneer.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("veneer.storage.if_not_exists", opts.IfNotExists),
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	etag := ""
	if info != nil {
		etag = info.ETag
	}
	op.finish(err, "key", key, "if_not_exists", opts.IfNotExists, "etag", etag)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, op := b.start(ctx, "delete_object", namespace,
		attribute.String("veneer.storage.key", key),
		attribute.Bool("veneer.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	op.finish(err, "key", key, "expected_etag", opts.ExpectedETag)
	return err
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "sys", b.sys, "error", err)
	}
	return err
}

func (b *backend) SubscribeChanges(namespace string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(namespace)
	if err != nil {
		if !errors.Is(err, storage.ErrNotImplemented) {
			b.logger.Warn("storage.subscribe_changes.error", "namespace", namespace, "error", err)
		}
		return nil, err
	}
	b.logger.Debug("storage.subscribe_changes.success", "namespace", namespace)
	return sub, nil
}
