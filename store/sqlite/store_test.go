package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "mail.db"))
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

func TestConnectRequiresPath(t *testing.T) {
	s := New("")
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsCounters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.db")

	s := New(path)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	mb := storetest.NewMailbox(t, s, true)
	for i := 0; i < 3; i++ {
		if _, err := s.NextUID(ctx, mb); err != nil {
			t.Fatalf("next uid: %v", err)
		}
	}
	if _, err := s.NextModSeq(ctx, mb); err != nil {
		t.Fatalf("next modseq: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := New(path)
	if err := reopened.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer reopened.Close(ctx)

	if uid, err := reopened.LastUID(ctx, mb); err != nil || uid != 3 {
		t.Errorf("expected last uid 3, got %d (%v)", uid, err)
	}
	if ms, err := reopened.HighestModSeq(ctx, mb); err != nil || ms != 1 {
		t.Errorf("expected highest modseq 1, got %d (%v)", ms, err)
	}
	got, err := reopened.MailboxByPath(ctx, mb.Path)
	if err != nil {
		t.Fatalf("mailbox by path: %v", err)
	}
	if got.UIDValidity != mb.UIDValidity {
		t.Errorf("expected uid validity %d, got %d", mb.UIDValidity, got.UIDValidity)
	}
}

func TestPersistUnknownMailbox(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Persist(context.Background(), &store.Mailbox{ID: "missing"}, &store.Message{UID: 1})
	if !errors.Is(err, store.ErrMailboxNotFound) {
		t.Errorf("expected ErrMailboxNotFound, got %v", err)
	}
}

func TestRolledBackReservationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.db")

	s := New(path)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	mb := storetest.NewMailbox(t, s, true)

	tx, err := s.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	txCtx := store.ContextWithTx(ctx, tx)
	uid, err := s.NextUID(txCtx, mb)
	if err != nil {
		t.Fatalf("next uid: %v", err)
	}
	modSeq, err := s.NextModSeq(txCtx, mb)
	if err != nil {
		t.Fatalf("next modseq: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := New(path)
	if err := reopened.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer reopened.Close(ctx)

	if next, err := reopened.NextUID(ctx, mb); err != nil || next <= uid {
		t.Errorf("expected uid above %d after restart, got %d (%v)", uid, next, err)
	}
	if next, err := reopened.NextModSeq(ctx, mb); err != nil || next <= modSeq {
		t.Errorf("expected modseq above %d after restart, got %d (%v)", modSeq, next, err)
	}
}

func TestCounterPathOption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "mail.db"), WithCounterPath(filepath.Join(dir, "alloc.db")))
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close(ctx)

	mb := storetest.NewMailbox(t, s, false)
	if uid, err := s.NextUID(ctx, mb); err != nil || uid != 1 {
		t.Fatalf("expected uid 1, got %d (%v)", uid, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alloc.db")); err != nil {
		t.Errorf("expected counter file: %v", err)
	}
}

func TestAllocateUnknownMailbox(t *testing.T) {
	s := newTestStore(t)
	_, err := s.NextUID(context.Background(), &store.Mailbox{ID: "missing"})
	if !errors.Is(err, store.ErrMailboxNotFound) {
		t.Errorf("expected ErrMailboxNotFound, got %v", err)
	}
}
