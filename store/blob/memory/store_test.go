package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailstore/store"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	uri, err := s.Upload(ctx, "message/rfc822", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(uri, "mem://") {
		t.Errorf("unexpected uri %q", uri)
	}

	r, err := s.Load(ctx, uri)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	data, _ := io.ReadAll(r)
	_ = r.Close()
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, uri); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, uri); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}
