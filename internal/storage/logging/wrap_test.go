package logging_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/storage"
	"pkt.systems/veneer/internal/storage/logging"
	"pkt.systems/veneer/internal/storage/memory"
)

func TestWrapRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	backend := logging.Wrap(memory.New(), logger, "test")
	ctx := context.Background()

	if _, err := backend.PutObject(ctx, "default", "behaviors/a.json", bytes.NewBufferString("{}"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := backend.GetObject(ctx, "default", "behaviors/missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := backend.ListObjects(ctx, "default", storage.ListOptions{Prefix: "behaviors/"}); err != nil {
		t.Fatalf("list: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	names := []string{"veneer.storage.put_object", "veneer.storage.get_object", "veneer.storage.list_objects"}
	for i, span := range spans {
		if span.Name() != names[i] {
			t.Fatalf("span[%d]=%q want %q", i, span.Name(), names[i])
		}
		if span.Status().Code == codes.Error {
			t.Fatalf("span %q unexpectedly marked as error", span.Name())
		}
	}
	if !bytes.Contains(buf.Bytes(), []byte("storage.get_object.miss")) {
		t.Fatalf("expected miss log line, got %s", buf.String())
	}
}

func TestWrapForwardsChangeFeed(t *testing.T) {
	backend := logging.Wrap(memory.New(), nil, "test")
	feed, ok := backend.(storage.ChangeFeed)
	if !ok {
		t.Fatal("expected ChangeFeed")
	}
	sub, err := feed.SubscribeChanges("default")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := backend.PutObject(context.Background(), "default", "k", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	<-sub.Events()
}
