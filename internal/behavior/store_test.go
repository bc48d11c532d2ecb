package behavior

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"pkt.systems/veneer/internal/storage"
	"pkt.systems/veneer/internal/storage/memory"
)

func TestObjectStoreInsertIfAbsent(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	store := NewObjectStore(backend, "")
	ctx := context.Background()

	if store.Namespace() != DefaultNamespace {
		t.Fatalf("namespace=%q", store.Namespace())
	}
	if err := store.InsertIfAbsent(ctx, DefaultBehavior("api.example.com")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	custom := Behavior{Key: "api.example.com", Latency: []LatencyVariant{{Weight: 1, DelayMs: 500}}}
	if err := store.InsertIfAbsent(ctx, custom); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := store.Get(ctx, "API.example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Latency[0].DelayMs != 0 {
		t.Fatalf("second insert overwrote record: %+v", got)
	}
	if err := store.Put(ctx, custom); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err = store.Get(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if got.Latency[0].DelayMs != 500 {
		t.Fatalf("put did not replace record: %+v", got)
	}
}

func TestObjectStoreListAllSkipsForeignAndCorrupt(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	store := NewObjectStore(backend, "chaos")
	ctx := context.Background()

	for _, key := range []string{"a.example", "b.example", "c:8080"} {
		if err := store.Put(ctx, DefaultBehavior(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := backend.PutObject(ctx, "chaos", "behaviors/broken.json", bytes.NewReader([]byte("{")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put broken: %v", err)
	}
	if _, err := backend.PutObject(ctx, "chaos", "other/x.json", bytes.NewReader([]byte(`{"key":"x"}`)), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put foreign: %v", err)
	}
	if err := NewObjectStore(backend, "default").Put(ctx, DefaultBehavior("elsewhere")); err != nil {
		t.Fatalf("put other namespace: %v", err)
	}

	items, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	keys := map[string]bool{}
	for _, b := range items {
		keys[b.Key] = true
	}
	if len(keys) != 3 || !keys["a.example"] || !keys["b.example"] || !keys["c:8080"] {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestObjectStoreListAllOnlyCorrupt(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()
	if _, err := backend.PutObject(ctx, "default", "behaviors/broken.json", bytes.NewReader([]byte("[]")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put broken: %v", err)
	}
	if _, err := NewObjectStore(backend, "").ListAll(ctx); err == nil {
		t.Fatal("expected decode error when no record loads")
	}
}

func TestObjectStoreDelete(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	store := NewObjectStore(backend, "")
	ctx := context.Background()
	if err := store.Put(ctx, DefaultBehavior("gone.example")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "gone.example"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "gone.example"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "gone.example"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestObjectKeyEscapes(t *testing.T) {
	if got := ObjectKey("Host:8443"); got != "behaviors/host:8443.json" {
		t.Fatalf("ObjectKey=%q", got)
	}
	if got := ObjectKey("a/b"); got != "behaviors/a%2Fb.json" {
		t.Fatalf("ObjectKey=%q", got)
	}
}

func TestObjectStoreSubscribeChanges(t *testing.T) {
	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	sub, err := NewObjectStore(backend, "").SubscribeChanges()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	disabled := memory.NewWithConfig(memory.Config{})
	t.Cleanup(func() { _ = disabled.Close() })
	if _, err := NewObjectStore(disabled, "").SubscribeChanges(); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
