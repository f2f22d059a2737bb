// Package cached provides a local file cache in front of a store.BlobStore.
//
// Message content is immutable once uploaded, so cache entries never need
// invalidation beyond Delete and TTL expiry. Concurrent misses for the same
// URI share a single backend download.
package cached

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/mailstore/store"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// Store wraps a BlobStore with local file caching.
type Store struct {
	backend  store.BlobStore
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	cacheSize int64

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ store.BlobStore = (*Store)(nil)

// New creates a cached store wrapping backend. Call Close to stop the
// background cleanup.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  DefaultMaxSize,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	cacheDir := filepath.Join(o.cacheDir, "mailstore-blobs")
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: cacheDir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		stop:     make(chan struct{}),
	}
	s.calculateCacheSize()

	if o.ttl > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s, nil
}

// Close stops the background cleanup. The cache directory is kept.
func (s *Store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
	return nil
}

// Upload passes through to the backend; content is cached on first Load.
func (s *Store) Upload(ctx context.Context, contentType string, content io.Reader) (string, error) {
	return s.backend.Upload(ctx, contentType, content)
}

// Load serves content from the cache, downloading it on a miss.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	cachePath := filepath.Join(s.cacheDir, cacheKey(uri))

	if info, err := os.Stat(cachePath); err == nil {
		if s.ttl <= 0 || time.Since(info.ModTime()) < s.ttl {
			if f, err := os.Open(cachePath); err == nil {
				s.logger.Debug("cache hit", "uri", uri)
				return f, nil
			}
		} else if os.Remove(cachePath) == nil {
			s.updateCacheSize(-info.Size())
		}
	}

	s.logger.Debug("cache miss", "uri", uri)
	v, err, _ := s.group.Do(cachePath, func() (any, error) {
		return s.fill(ctx, uri, cachePath)
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(v.([]byte))), nil
}

// fill downloads uri and stores it under cachePath when there is room.
func (s *Store) fill(ctx context.Context, uri, cachePath string) ([]byte, error) {
	r, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	size := int64(len(data))
	if !s.hasSpace(size) {
		s.logger.Debug("cache full, not caching", "size", size)
		return data, nil
	}

	tmp, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		s.logger.Warn("failed to create temp file for caching", "error", err)
		return data, nil
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		s.logger.Warn("failed to write cache file", "error", werr, "close_error", cerr)
		return data, nil
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		s.logger.Warn("failed to move temp file to cache", "error", err)
		return data, nil
	}
	s.updateCacheSize(size)
	s.logger.Debug("cached message content", "path", cachePath, "size", size)
	return data, nil
}

// Delete removes the content from the cache and the backend.
func (s *Store) Delete(ctx context.Context, uri string) error {
	cachePath := filepath.Join(s.cacheDir, cacheKey(uri))
	if info, err := os.Stat(cachePath); err == nil {
		if os.Remove(cachePath) == nil {
			s.updateCacheSize(-info.Size())
		}
	}
	return s.backend.Delete(ctx, uri)
}

// ClearCache removes all cached files.
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			_ = os.Remove(filepath.Join(s.cacheDir, entry.Name()))
		}
	}
	s.cacheSize = 0
	s.logger.Info("cache cleared")
	return nil
}

// Size returns the bytes currently held in the cache.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize
}

func cacheKey(uri string) string {
	h := blake2b.Sum256([]byte(uri))
	return hex.EncodeToString(h[:])
}

func (s *Store) hasSpace(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize+size <= s.maxSize
}

func (s *Store) updateCacheSize(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSize += delta
	if s.cacheSize < 0 {
		s.cacheSize = 0
	}
}

func (s *Store) calculateCacheSize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if err := filepath.Walk(s.cacheDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	}); err != nil {
		s.logger.Warn("failed to calculate cache size", "error", err)
	}
	s.cacheSize = size
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir for cleanup", "error", err)
		return
	}

	now := time.Now()
	var removed int
	var freedBytes int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.ttl {
			if err := os.Remove(filepath.Join(s.cacheDir, entry.Name())); err == nil {
				removed++
				freedBytes += info.Size()
			}
		}
	}

	if removed > 0 {
		s.updateCacheSize(-freedBytes)
		s.logger.Info("cache cleanup completed", "removed", removed, "freed_bytes", freedBytes)
	}
}
