package behavior

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"pkt.systems/veneer/internal/storage"
)

// ErrAlreadyExists is returned by InsertIfAbsent when the key is present.
var ErrAlreadyExists = errors.New("behavior: already exists")

// Store is the persistence contract the repository depends on.
type Store interface {
	ListAll(ctx context.Context) ([]Behavior, error)
	InsertIfAbsent(ctx context.Context, b Behavior) error
}

// DefaultNamespace is the storage namespace behaviors live in.
const DefaultNamespace = "default"

const (
	objectPrefix = "behaviors/"
	objectSuffix = ".json"
	listPageSize = 256
	maxRecord    = 1 << 20
)

// ObjectStore persists behaviors as JSON objects in a storage.Backend.
type ObjectStore struct {
	backend   storage.Backend
	namespace string
}

// NewObjectStore returns a Store backed by backend. An empty namespace
// selects DefaultNamespace.
func NewObjectStore(backend storage.Backend, namespace string) *ObjectStore {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &ObjectStore{backend: backend, namespace: namespace}
}

// Namespace returns the storage namespace in use.
func (s *ObjectStore) Namespace() string { return s.namespace }

// Backend exposes the underlying backend.
func (s *ObjectStore) Backend() storage.Backend { return s.backend }

// ObjectKey returns the storage key for a target key.
func ObjectKey(key string) string {
	return objectPrefix + url.PathEscape(NormalizeKey(key)) + objectSuffix
}

// ListAll loads every behavior in the namespace. Objects that fail to decode
// are skipped and reported through the joined error only when nothing could
// be loaded at all.
func (s *ObjectStore) ListAll(ctx context.Context) ([]Behavior, error) {
	if s == nil || s.backend == nil {
		return nil, storage.ErrNotImplemented
	}
	objects, err := storage.ListAll(ctx, s.backend, s.namespace, objectPrefix, listPageSize)
	if err != nil {
		return nil, fmt.Errorf("behavior: list: %w", err)
	}
	out := make([]Behavior, 0, len(objects))
	var decodeErrs []error
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, objectSuffix) {
			continue
		}
		b, err := s.load(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			decodeErrs = append(decodeErrs, err)
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 && len(decodeErrs) > 0 {
		return nil, errors.Join(decodeErrs...)
	}
	return out, nil
}

// Get loads a single behavior. Missing keys yield storage.ErrNotFound.
func (s *ObjectStore) Get(ctx context.Context, key string) (Behavior, error) {
	if NormalizeKey(key) == "" {
		return Behavior{}, errors.New("behavior: key required")
	}
	return s.load(ctx, ObjectKey(key))
}

func (s *ObjectStore) load(ctx context.Context, objectKey string) (Behavior, error) {
	res, err := s.backend.GetObject(ctx, s.namespace, objectKey)
	if err != nil {
		return Behavior{}, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(io.LimitReader(res.Reader, maxRecord+1))
	if err != nil {
		return Behavior{}, fmt.Errorf("behavior: read %s: %w", objectKey, err)
	}
	if len(data) > maxRecord {
		return Behavior{}, fmt.Errorf("behavior: %s exceeds %d bytes", objectKey, maxRecord)
	}
	b, err := UnmarshalRecord(data)
	if err != nil {
		return Behavior{}, fmt.Errorf("%s: %w", objectKey, err)
	}
	return b, nil
}

// InsertIfAbsent creates the record unless one already exists.
func (s *ObjectStore) InsertIfAbsent(ctx context.Context, b Behavior) error {
	err := s.write(ctx, b, storage.PutObjectOptions{IfNotExists: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		return ErrAlreadyExists
	}
	return err
}

// Put creates or replaces the record.
func (s *ObjectStore) Put(ctx context.Context, b Behavior) error {
	return s.write(ctx, b, storage.PutObjectOptions{})
}

func (s *ObjectStore) write(ctx context.Context, b Behavior, opts storage.PutObjectOptions) error {
	if s == nil || s.backend == nil {
		return storage.ErrNotImplemented
	}
	payload, err := MarshalRecord(b)
	if err != nil {
		return err
	}
	opts.ContentType = storage.ContentTypeJSON
	if _, err := s.backend.PutObject(ctx, s.namespace, ObjectKey(b.Key), bytes.NewReader(payload), opts); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return err
		}
		return fmt.Errorf("behavior: put %s: %w", NormalizeKey(b.Key), err)
	}
	return nil
}

// Delete removes the record. Missing keys yield storage.ErrNotFound.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if NormalizeKey(key) == "" {
		return errors.New("behavior: key required")
	}
	return s.backend.DeleteObject(ctx, s.namespace, ObjectKey(key), storage.DeleteObjectOptions{})
}

// SubscribeChanges forwards to the backend change feed when available.
func (s *ObjectStore) SubscribeChanges() (storage.ChangeSubscription, error) {
	feed, ok := s.backend.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeChanges(s.namespace)
}
