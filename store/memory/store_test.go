package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newTestStore(t)
	})
}

func TestConnectLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.CreateMailbox(ctx, store.MailboxData{Path: store.NewMailboxPath("u", "INBOX")}); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSetCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mb := storetest.NewMailbox(t, s, true)

	if err := s.SetCounters(mb, 5, 10); err != nil {
		t.Fatalf("set counters: %v", err)
	}
	if uid, _ := s.LastUID(ctx, mb); uid != 5 {
		t.Errorf("expected last uid 5, got %d", uid)
	}
	if ms, _ := s.HighestModSeq(ctx, mb); ms != 10 {
		t.Errorf("expected highest modseq 10, got %d", ms)
	}

	// Counters never move backwards.
	if err := s.SetCounters(mb, 2, 3); err != nil {
		t.Fatalf("set counters: %v", err)
	}
	if uid, _ := s.NextUID(ctx, mb); uid != imap.UID(6) {
		t.Errorf("expected next uid 6, got %d", uid)
	}
	if ms, _ := s.NextModSeq(ctx, mb); ms != 11 {
		t.Errorf("expected next modseq 11, got %d", ms)
	}
}

func TestForeignTxIgnored(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)
	mbA := storetest.NewMailbox(t, a, false)
	mbB := storetest.NewMailbox(t, b, false)

	tx, err := a.BeginTx(ctx, mbA)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	txCtx := store.ContextWithTx(ctx, tx)

	// A write to another store is not captured by a's undo log.
	if _, err := b.Persist(txCtx, mbB, &store.Message{UID: 1, Content: []byte("x")}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if n, _ := b.CountMessages(ctx, mbB); n != 1 {
		t.Errorf("expected write outside scope to survive, got %d messages", n)
	}
}
