package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
	"github.com/redis/go-redis/v9"
)

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func TestProviderCounters(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t, WithKeyPrefix("test:"))
	mb := &store.Mailbox{ID: "mb1"}

	if uid, err := p.LastUID(ctx, mb); err != nil || uid != 0 {
		t.Fatalf("expected 0, got %d (%v)", uid, err)
	}
	for want := imap.UID(1); want <= 3; want++ {
		uid, err := p.NextUID(ctx, mb)
		if err != nil {
			t.Fatalf("next uid: %v", err)
		}
		if uid != want {
			t.Errorf("expected uid %d, got %d", want, uid)
		}
	}
	if uid, _ := p.LastUID(ctx, mb); uid != 3 {
		t.Errorf("expected last uid 3, got %d", uid)
	}

	ms, err := p.NextModSeq(ctx, mb)
	if err != nil || ms != 1 {
		t.Fatalf("expected modseq 1, got %d (%v)", ms, err)
	}
	if h, _ := p.HighestModSeq(ctx, mb); h != 1 {
		t.Errorf("expected highest modseq 1, got %d", h)
	}

	if got, err := mr.Get("test:{mb1}:uid"); err != nil || got != "3" {
		t.Errorf("expected key test:{mb1}:uid = 3, got %q (%v)", got, err)
	}
}

func TestProviderSeed(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	mb := &store.Mailbox{ID: "mb1"}

	if err := p.Seed(ctx, mb, 5, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if uid, _ := p.NextUID(ctx, mb); uid != 6 {
		t.Errorf("expected uid 6, got %d", uid)
	}
	if ms, _ := p.NextModSeq(ctx, mb); ms != 11 {
		t.Errorf("expected modseq 11, got %d", ms)
	}

	// Seeding lower values is a no-op.
	if err := p.Seed(ctx, mb, 1, 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if uid, _ := p.LastUID(ctx, mb); uid != 6 {
		t.Errorf("expected last uid 6, got %d", uid)
	}
}

func TestProviderConcurrent(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	mb := &store.Mailbox{ID: "mb1"}

	var (
		mu   sync.Mutex
		seen = make(map[imap.UID]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				uid, err := p.NextUID(ctx, mb)
				if err != nil {
					t.Errorf("next uid: %v", err)
					return
				}
				mu.Lock()
				if seen[uid] {
					t.Errorf("uid %d handed out twice", uid)
				}
				seen[uid] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 200 {
		t.Errorf("expected 200 distinct uids, got %d", len(seen))
	}
}

func TestProviderErrors(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t)

	if _, err := p.NextUID(ctx, nil); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}

	mr.Close()
	if _, err := p.NextUID(ctx, &store.Mailbox{ID: "mb1"}); err == nil {
		t.Error("expected error with server down")
	}
}
