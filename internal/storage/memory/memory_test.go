package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/veneer/internal/storage"
)

func TestPutObjectIfNotExists(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.PutObject(ctx, "default", "behaviors/a.json", bytes.NewBufferString(`{"key":"a"}`), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if info.ETag == "" || info.Size == 0 {
		t.Fatalf("expected write metadata, got %+v", info)
	}
	if _, err := store.PutObject(ctx, "default", "behaviors/a.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "other", "behaviors/a.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("namespaces must be isolated: %v", err)
	}
	res, err := store.GetObject(ctx, "default", "behaviors/a.json")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer res.Reader.Close()
	data, _ := io.ReadAll(res.Reader)
	if string(data) != `{"key":"a"}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if res.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected content type %q", res.Info.ContentType)
	}
}

func TestPutObjectExpectedETag(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutObject(ctx, "default", "k", bytes.NewBufferString("1"), storage.PutObjectOptions{ExpectedETag: "nope"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	info, err := store.PutObject(ctx, "default", "k", bytes.NewBufferString("1"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.PutObject(ctx, "default", "k", bytes.NewBufferString("2"), storage.PutObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "default", "k", bytes.NewBufferString("2"), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas put: %v", err)
	}
}

func TestDeleteObject(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.DeleteObject(ctx, "default", "missing", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "missing", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
	info, err := store.PutObject(ctx, "default", "k", bytes.NewBufferString("1"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "k", storage.DeleteObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "k", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := store.ListObjects(ctx, "default", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 0 {
		t.Fatalf("expected empty listing, got %+v", list.Objects)
	}
}

func TestListObjectsPrefixAndLimit(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"b/2", "a/1", "b/1", "b/3", "c/1"} {
		if _, err := store.PutObject(ctx, "default", key, bytes.NewBufferString(key), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.ListObjects(ctx, "default", storage.ListOptions{Prefix: "b/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "b/1" || page.Objects[1].Key != "b/2" {
		t.Fatalf("unexpected first page %+v", page.Objects)
	}
	if !page.Truncated || page.NextStartAfter != "b/2" {
		t.Fatalf("expected truncated page resuming after b/2, got %+v", page)
	}
	page, err = store.ListObjects(ctx, "default", storage.ListOptions{Prefix: "b/", Limit: 2, StartAfter: page.NextStartAfter})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "b/3" || page.Truncated {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestSubscribeChangesSignalsWrites(t *testing.T) {
	store := New()
	defer store.Close()
	sub, err := store.SubscribeChanges("default")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.PutObject(context.Background(), "other", "k", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatal("unexpected event for foreign namespace")
	case <-time.After(20 * time.Millisecond):
	}
	if _, err := store.PutObject(context.Background(), "default", "k", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}

func TestSubscribeChangesDisabled(t *testing.T) {
	store := NewWithConfig(Config{})
	if _, err := store.SubscribeChanges("default"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
