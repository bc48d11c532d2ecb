package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/veneer/internal/storage"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root  string
	Now   func() time.Time
	Watch bool
}

// Store implements storage.Backend backed by the local filesystem. Objects
// live under <root>/<namespace>/objects with a sidecar .info.json holding
// the etag and content type.
type Store struct {
	root    string
	tmpDir  string
	lockDir string
	now     func() time.Time

	locks sync.Map

	watchEnabled bool
	watchMode    string
	watchReason  string
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	lockDir := filepath.Join(root, ".locks")
	for _, dir := range []string{root, tmpDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:        root,
		tmpDir:      tmpDir,
		lockDir:     lockDir,
		now:         cfg.Now,
		watchMode:   "polling",
		watchReason: "config_disabled",
	}
	if cfg.Watch {
		if isNFS(root) {
			s.watchReason = "filesystem_not_supported"
		} else {
			s.watchEnabled = true
			s.watchMode = "fsnotify"
			s.watchReason = "filesystem_watch_enabled"
		}
	}
	return s, nil
}

// WatchStatus reports whether fsnotify-based change notifications are active.
func (s *Store) WatchStatus() (bool, string, string) {
	return s.watchEnabled, s.watchMode, s.watchReason
}

// Close is a no-op; subscriptions are closed by their owners.
func (s *Store) Close() error {
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) keyLock(namespace string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(namespace, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lock serializes mutations within namespace across goroutines and processes.
func (s *Store) lock(namespace string) (func(), error) {
	mu := s.keyLock(namespace)
	mu.Lock()
	release, err := lockNamespace(filepath.Join(s.lockDir, namespace+".lock"))
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		_ = release()
		mu.Unlock()
	}, nil
}

func (s *Store) objectDir(namespace string) (string, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || namespace == "." || namespace == ".." || strings.HasPrefix(namespace, ".") {
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	}
	return filepath.Join(s.root, namespace, "objects"), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	// Keys must already be clean relative paths so distinct keys never
	// share a file.
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean != key || strings.Contains(key, `\`) || strings.HasSuffix(key, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return key, nil
}

func (s *Store) objectPaths(namespace, key string) (dataPath, infoPath string, err error) {
	dir, err := s.objectDir(namespace)
	if err != nil {
		return "", "", err
	}
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(dir, filepath.FromSlash(normalized))
	return dataPath, dataPath + infoSuffix, nil
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

func (s *Store) loadObjectInfo(namespace, key string) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.objectPaths(namespace, key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(infoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	dir, err := s.objectDir(namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, 64)
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		info, err := s.loadObjectInfo(namespace, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			logger.Debug("disk.list_objects.load_error", "namespace", namespace, "key", key, "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit > 0 && limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Trace("disk.list_objects.success",
		"namespace", namespace,
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	dataPath, _, err := s.objectPaths(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(namespace, key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	dataPath, infoPath, err := s.objectPaths(namespace, key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(namespace, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && opts.IfNotExists && current != nil:
			return nil, storage.ErrCASMismatch
		}
	}
	hasher := sha256.New()
	written, err := s.writeAtomic(dataPath, io.TeeReader(body, hasher))
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if _, err := s.writeAtomic(infoPath, bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	logger.Trace("disk.put_object.success", "namespace", namespace, "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	dataPath, infoPath, err := s.objectPaths(namespace, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(namespace)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := s.loadObjectInfo(namespace, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	logger.Trace("disk.delete_object.success", "namespace", namespace, "key", key)

	objectDir, _ := s.objectDir(namespace)
	dir := filepath.Dir(dataPath)
	for dir != objectDir && strings.HasPrefix(dir, objectDir) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (s *Store) writeAtomic(dest string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "veneer-*")
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(tmp, body)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return written, nil
}
