// Package memory provides an in-memory store.BlobStore for testing.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
)

const scheme = "mem://"

// Store keeps message content in memory.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ store.BlobStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

func (s *Store) Upload(ctx context.Context, _ string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}

	uri := scheme + uuid.New().String()
	s.mu.Lock()
	s.blobs[uri] = data
	s.mu.Unlock()
	return uri, nil
}

func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(uri, scheme) {
		return nil, fmt.Errorf("invalid memory uri: %s", uri)
	}
	s.mu.RLock()
	data, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[uri]; !ok {
		return store.ErrNotFound
	}
	delete(s.blobs, uri)
	return nil
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
