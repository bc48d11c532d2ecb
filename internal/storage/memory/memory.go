package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/veneer/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// ChangeFeed enables in-process change notifications.
	ChangeFeed bool
}

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceEntries

	feedEnabled bool
	watchMu     sync.Mutex
	watchers    map[string]map[*subscription]struct{}
}

type namespaceEntries struct {
	objs       map[string]*objectEntry
	sortedKeys []string
	keysDirty  bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{ChangeFeed: true})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		namespaces:  make(map[string]*namespaceEntries),
		feedEnabled: cfg.ChangeFeed,
		watchers:    make(map[string]map[*subscription]struct{}),
	}
}

// Close drops every change subscription.
func (s *Store) Close() error {
	s.watchMu.Lock()
	var subs []*subscription
	for _, watchers := range s.watchers {
		for sub := range watchers {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (s *Store) entriesLocked(namespace string, create bool) *namespaceEntries {
	ns := s.namespaces[namespace]
	if ns == nil && create {
		ns = &namespaceEntries{objs: make(map[string]*objectEntry)}
		s.namespaces[namespace] = ns
	}
	return ns
}

// ListObjects enumerates objects in lexical order within namespace.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := &storage.ListResult{}
	ns := s.entriesLocked(namespace, false)
	if ns == nil {
		return result, nil
	}
	if ns.keysDirty || len(ns.sortedKeys) != len(ns.objs) {
		ns.sortedKeys = ns.sortedKeys[:0]
		for key := range ns.objs {
			ns.sortedKeys = append(ns.sortedKeys, key)
		}
		sort.Strings(ns.sortedKeys)
		ns.keysDirty = false
	}
	keys := ns.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		entry := ns.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
	}
	if n := len(result.Objects); n > 0 {
		result.NextStartAfter = result.Objects[n-1].Key
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.entriesLocked(namespace, false)
	if ns == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	entry, ok := ns.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(entry.payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(entry.payload)), Info: info}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ns := s.entriesLocked(namespace, true)
	entry, exists := ns.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	now := time.Now().UTC()
	next := &objectEntry{
		payload:     payload,
		etag:        uuid.Must(uuid.NewV7()).String(),
		contentType: opts.ContentType,
		updated:     now,
	}
	ns.objs[key] = next
	if !exists {
		ns.keysDirty = true
	}
	s.mu.Unlock()

	s.notify(namespace)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         next.etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes key, enforcing CAS when requested.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	ns := s.entriesLocked(namespace, false)
	var (
		entry  *objectEntry
		exists bool
	)
	if ns != nil {
		entry, exists = ns.objs[key]
	}
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(ns.objs, key)
	ns.keysDirty = true
	s.mu.Unlock()

	s.notify(namespace)
	return nil
}

// SubscribeChanges registers an in-process watcher for namespace.
func (s *Store) SubscribeChanges(namespace string) (storage.ChangeSubscription, error) {
	if !s.feedEnabled {
		return nil, storage.ErrNotImplemented
	}
	sub := &subscription{
		store:     s,
		namespace: namespace,
		events:    make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	watchers := s.watchers[namespace]
	if watchers == nil {
		watchers = make(map[*subscription]struct{})
		s.watchers[namespace] = watchers
	}
	watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(namespace string) {
	if !s.feedEnabled {
		return
	}
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers[namespace]))
	for sub := range s.watchers[namespace] {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(namespace string, sub *subscription) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if watchers := s.watchers[namespace]; watchers != nil {
		delete(watchers, sub)
		if len(watchers) == 0 {
			delete(s.watchers, namespace)
		}
	}
}

type subscription struct {
	store     *Store
	namespace string
	events    chan struct{}
	mu        sync.Mutex
	closed    bool
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	s.store.removeSubscription(s.namespace, s)
	s.close()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
