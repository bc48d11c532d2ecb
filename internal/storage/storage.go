package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for persisted objects.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend defines the object storage contract veneer persists behaviors in.
// Keys are slash separated and scoped by namespace.
type Backend interface {
	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order within the namespace. Results are limited by opts.Limit
	// when >0 and resume from opts.StartAfter when provided.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set. A failed
	// condition is reported as ErrCASMismatch.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing
	// a matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	// Close releases backend resources.
	Close() error
}

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ChangeSubscription receives a coalesced signal whenever objects in the
// subscribed namespace change.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is implemented by backends able to push change notifications.
type ChangeFeed interface {
	SubscribeChanges(namespace string) (ChangeSubscription, error)
}

// ListAll pages through ListObjects until the listing is exhausted.
func ListAll(ctx context.Context, backend Backend, namespace, prefix string, pageSize int) ([]ObjectInfo, error) {
	if backend == nil {
		return nil, ErrNotImplemented
	}
	var (
		out        []ObjectInfo
		startAfter string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := backend.ListObjects(ctx, namespace, ListOptions{
			Prefix:     prefix,
			StartAfter: startAfter,
			Limit:      pageSize,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextStartAfter == "" || page.NextStartAfter == startAfter {
			return out, nil
		}
		startAfter = page.NextStartAfter
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
