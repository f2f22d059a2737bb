package cached

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/blob/memory"
)

// countingBackend counts Load calls on the wrapped store.
type countingBackend struct {
	*memory.Store
	loads atomic.Int32
}

func (b *countingBackend) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	b.loads.Add(1)
	return b.Store.Load(ctx, uri)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *countingBackend) {
	t.Helper()
	backend := &countingBackend{Store: memory.New()}
	s, err := New(backend, append([]Option{WithCacheDir(t.TempDir())}, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

func readAll(t *testing.T, s *Store, uri string) string {
	t.Helper()
	r, err := s.Load(context.Background(), uri)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)

	uri, err := s.Upload(ctx, "message/rfc822", strings.NewReader("Subject: hi\r\n\r\nbody"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	for i := 0; i < 3; i++ {
		if got := readAll(t, s, uri); got != "Subject: hi\r\n\r\nbody" {
			t.Errorf("unexpected content %q", got)
		}
	}
	if n := backend.loads.Load(); n != 1 {
		t.Errorf("expected 1 backend load, got %d", n)
	}
	if s.Size() == 0 {
		t.Error("expected non-zero cache size")
	}
}

func TestConcurrentMissesShareDownload(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)
	uri, _ := s.Upload(ctx, "message/rfc822", strings.NewReader("content"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Load(ctx, uri)
			if err != nil {
				t.Errorf("load: %v", err)
				return
			}
			_, _ = io.ReadAll(r)
			_ = r.Close()
		}()
	}
	wg.Wait()

	if n := backend.loads.Load(); n < 1 || n > 8 {
		t.Errorf("unexpected backend loads %d", n)
	}
}

func TestCacheFull(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t, WithMaxSize(4))
	uri, _ := s.Upload(ctx, "message/rfc822", strings.NewReader("too large"))

	_ = readAll(t, s, uri)
	_ = readAll(t, s, uri)
	if n := backend.loads.Load(); n != 2 {
		t.Errorf("expected uncached content to hit backend twice, got %d", n)
	}
	if s.Size() != 0 {
		t.Errorf("expected empty cache, got %d", s.Size())
	}
}

func TestDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	uri, _ := s.Upload(ctx, "message/rfc822", strings.NewReader("content"))
	_ = readAll(t, s, uri)

	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("expected empty cache, got %d", s.Size())
	}
	if _, err := s.Load(ctx, uri); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t)
	uri, _ := s.Upload(ctx, "message/rfc822", strings.NewReader("content"))
	_ = readAll(t, s, uri)

	if err := s.ClearCache(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_ = readAll(t, s, uri)
	if n := backend.loads.Load(); n != 2 {
		t.Errorf("expected reload after clear, got %d loads", n)
	}
}
