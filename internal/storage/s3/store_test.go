package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/veneer/internal/storage"
)

func TestS3ObjectLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := []byte(`{"key":"api.example.com"}`)
	info, err := store.PutObject(ctx, "default", "behaviors/api.example.com.json", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	if info.ETag == "" {
		t.Fatal("expected etag")
	}
	res, err := store.GetObject(ctx, "default", "behaviors/api.example.com.json")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	body, err := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("unexpected body %q", body)
	}
	if res.Info.ETag != info.ETag {
		t.Fatalf("etag mismatch %q vs %q", res.Info.ETag, info.ETag)
	}

	if _, err := store.GetObject(ctx, "default", "behaviors/missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "behaviors/api.example.com.json", storage.DeleteObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "behaviors/api.example.com.json", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "behaviors/api.example.com.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "default", "behaviors/api.example.com.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestS3ListObjectsScopesNamespace(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "veneer"

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, obj := range []struct{ ns, key string }{
		{"default", "behaviors/b.json"},
		{"default", "behaviors/a.json"},
		{"staging", "behaviors/c.json"},
	} {
		if _, err := store.PutObject(ctx, obj.ns, obj.key, bytes.NewBufferString("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s/%s: %v", obj.ns, obj.key, err)
		}
	}
	objects, err := storage.ListAll(ctx, store, "default", "behaviors/", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "behaviors/a.json" || objects[1].Key != "behaviors/b.json" {
		t.Fatalf("unexpected listing %+v", objects)
	}
}

func TestObjectKeyJoinsPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "root"}}
	if got := store.objectKey("default", "/behaviors/a.json"); got != "root/default/behaviors/a.json" {
		t.Fatalf("objectKey=%q", got)
	}
	store.cfg.Prefix = ""
	if got := store.objectKey("default", "behaviors/a.json"); got != "default/behaviors/a.json" {
		t.Fatalf("objectKey=%q", got)
	}
}

func TestClassifyPutObjectError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
		want     error
	}{
		{name: "precondition", err: minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, want: storage.ErrCASMismatch},
		{name: "conflict", err: minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}, want: storage.ErrCASMismatch},
		{name: "missing with etag", err: minio.ErrorResponse{StatusCode: http.StatusNotFound}, expected: true, want: storage.ErrNotFound},
		{name: "missing without etag", err: minio.ErrorResponse{StatusCode: http.StatusNotFound}},
		{name: "other", err: errors.New("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyPutObjectError(tc.err, tc.expected); got != tc.want {
				t.Fatalf("classify=%v want %v", got, tc.want)
			}
		})
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "veneer-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusBadGateway}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read([]byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}

	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if !obj.closed {
		t.Fatal("Close: expected underlying close to be called")
	}
}
