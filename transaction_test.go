package mailstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/storetest"
	"go.uber.org/goleak"
)

type fakeTx struct {
	mailboxID   string
	commits     atomic.Int32
	rollbacks   atomic.Int32
	commitErr   error
	rollbackErr error
	endCtxErr   atomic.Value // ctx.Err() seen by Commit or Rollback, as a string
}

func (t *fakeTx) MailboxID() string { return t.mailboxID }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits.Add(1)
	t.endCtxErr.Store(fmt.Sprint(ctx.Err()))
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks.Add(1)
	t.endCtxErr.Store(fmt.Sprint(ctx.Err()))
	return t.rollbackErr
}

func (t *fakeTx) ended() int32 { return t.commits.Load() + t.rollbacks.Load() }

type fakeTransactor struct {
	begins      atomic.Int32
	beginErr    error
	commitErr   error
	rollbackErr error
	tx          *fakeTx // last scope opened
}

func (f *fakeTransactor) BeginTx(_ context.Context, mb *store.Mailbox) (store.Tx, error) {
	f.begins.Add(1)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{mailboxID: mb.ID, commitErr: f.commitErr, rollbackErr: f.rollbackErr}
	return f.tx, nil
}

var testMailbox = &store.Mailbox{ID: "mb-1"}

func TestRunInTransaction(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		f := &fakeTransactor{}
		var inner store.Tx
		err := RunInTransaction(ctx, f, testMailbox, func(ctx context.Context) error {
			inner, _ = store.TxFromContext(ctx)
			return nil
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.tx.commits.Load() != 1 || f.tx.rollbacks.Load() != 0 {
			t.Errorf("expected 1 commit 0 rollbacks, got %d/%d", f.tx.commits.Load(), f.tx.rollbacks.Load())
		}
		if inner != store.Tx(f.tx) {
			t.Error("expected scope to be carried by the context")
		}
		if inner.MailboxID() != "mb-1" {
			t.Errorf("expected mailbox mb-1, got %s", inner.MailboxID())
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		f := &fakeTransactor{}
		err := RunInTransaction(ctx, f, testMailbox, func(context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected errBoom, got %v", err)
		}
		if f.tx.commits.Load() != 0 || f.tx.rollbacks.Load() != 1 {
			t.Errorf("expected 0 commits 1 rollback, got %d/%d", f.tx.commits.Load(), f.tx.rollbacks.Load())
		}
	})

	t.Run("rollback failure is joined", func(t *testing.T) {
		rbErr := errors.New("rollback broke")
		f := &fakeTransactor{rollbackErr: rbErr}
		err := RunInTransaction(ctx, f, testMailbox, func(context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) || !errors.Is(err, rbErr) {
			t.Fatalf("expected both errors, got %v", err)
		}
		if f.tx.ended() != 1 {
			t.Errorf("expected scope ended once, got %d", f.tx.ended())
		}
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		f := &fakeTransactor{}
		v := func() (v any) {
			defer func() { v = recover() }()
			_ = RunInTransaction(ctx, f, testMailbox, func(context.Context) error { panic("kaboom") })
			return nil
		}()
		if v != "kaboom" {
			t.Fatalf("expected panic value kaboom, got %v", v)
		}
		if f.tx.commits.Load() != 0 || f.tx.rollbacks.Load() != 1 {
			t.Errorf("expected 0 commits 1 rollback, got %d/%d", f.tx.commits.Load(), f.tx.rollbacks.Load())
		}

		// A later scope can still be opened.
		if err := RunInTransaction(ctx, f, testMailbox, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("expected later scope to commit, got %v", err)
		}
		if f.begins.Load() != 2 || f.tx.commits.Load() != 1 {
			t.Errorf("expected second scope committed, got %d begins", f.begins.Load())
		}
	})

	t.Run("panic with failing rollback", func(t *testing.T) {
		rbErr := errors.New("rollback broke")
		f := &fakeTransactor{rollbackErr: rbErr}
		v := func() (v any) {
			defer func() { v = recover() }()
			_ = RunInTransaction(ctx, f, testMailbox, func(context.Context) error { panic("kaboom") })
			return nil
		}()
		err, ok := v.(error)
		if !ok || !errors.Is(err, rbErr) {
			t.Fatalf("expected panic with wrapped rollback error, got %v", v)
		}
	})

	t.Run("rolls back on goexit", func(t *testing.T) {
		f := &fakeTransactor{}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = RunInTransaction(ctx, f, testMailbox, func(context.Context) error {
				runtime.Goexit()
				return nil
			})
		}()
		<-done
		if f.tx.commits.Load() != 0 || f.tx.rollbacks.Load() != 1 {
			t.Errorf("expected 0 commits 1 rollback, got %d/%d", f.tx.commits.Load(), f.tx.rollbacks.Load())
		}
	})

	t.Run("rolls back when cancelled", func(t *testing.T) {
		f := &fakeTransactor{}
		cctx, cancel := context.WithCancel(ctx)
		err := RunInTransaction(cctx, f, testMailbox, func(context.Context) error {
			cancel()
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if f.tx.commits.Load() != 0 || f.tx.rollbacks.Load() != 1 {
			t.Errorf("expected 0 commits 1 rollback, got %d/%d", f.tx.commits.Load(), f.tx.rollbacks.Load())
		}
		if got := f.tx.endCtxErr.Load(); got != "<nil>" {
			t.Errorf("expected rollback with a live context, got %v", got)
		}
	})

	t.Run("cancelled before start", func(t *testing.T) {
		f := &fakeTransactor{}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := RunInTransaction(cctx, f, testMailbox, func(context.Context) error {
			t.Error("fn must not run")
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if f.begins.Load() != 0 {
			t.Error("expected no scope opened")
		}
	})

	t.Run("nested scope fails fast", func(t *testing.T) {
		f := &fakeTransactor{}
		var nested error
		err := RunInTransaction(ctx, f, testMailbox, func(ctx context.Context) error {
			nested = RunInTransaction(ctx, f, testMailbox, func(context.Context) error {
				t.Error("nested fn must not run")
				return nil
			})
			return nil
		})
		if err != nil {
			t.Fatalf("expected outer commit, got %v", err)
		}
		if !errors.Is(nested, ErrNestedTransaction) {
			t.Errorf("expected ErrNestedTransaction, got %v", nested)
		}
		if f.begins.Load() != 1 {
			t.Errorf("expected one scope opened, got %d", f.begins.Load())
		}
	})

	t.Run("begin failure", func(t *testing.T) {
		f := &fakeTransactor{beginErr: store.ErrNotConnected}
		ran := false
		err := RunInTransaction(ctx, f, testMailbox, func(context.Context) error {
			ran = true
			return nil
		})
		if !errors.Is(err, store.ErrNotConnected) || ran {
			t.Fatalf("expected ErrNotConnected without running fn, got %v (ran=%v)", err, ran)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		f := &fakeTransactor{commitErr: errBoom}
		err := RunInTransaction(ctx, f, testMailbox, func(context.Context) error { return nil })
		if !errors.Is(err, store.ErrTransactionFailed) || !errors.Is(err, errBoom) {
			t.Fatalf("expected ErrTransactionFailed wrapping boom, got %v", err)
		}
		if f.tx.rollbacks.Load() != 0 {
			t.Error("commit failure must not also roll back")
		}
	})

	t.Run("nil mailbox", func(t *testing.T) {
		f := &fakeTransactor{}
		if err := RunInTransaction(ctx, f, nil, func(context.Context) error { return nil }); !errors.Is(err, ErrNilMailbox) {
			t.Errorf("expected ErrNilMailbox, got %v", err)
		}
	})
}

func TestRunInTransactionResult(t *testing.T) {
	ctx := context.Background()

	f := &fakeTransactor{}
	v, err := RunInTransactionResult(ctx, f, testMailbox, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d (%v)", v, err)
	}

	v, err = RunInTransactionResult(ctx, f, testMailbox, func(context.Context) (int, error) { return 7, errBoom })
	if !errors.Is(err, errBoom) || v != 0 {
		t.Fatalf("expected zero value and errBoom, got %d (%v)", v, err)
	}

	f = &fakeTransactor{commitErr: errBoom}
	v, err = RunInTransactionResult(ctx, f, testMailbox, func(context.Context) (int, error) { return 7, nil })
	if err == nil || v != 0 {
		t.Fatalf("expected zero value on commit failure, got %d (%v)", v, err)
	}
}

func TestRunInTransactionMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBackend(t)
	mb := storetest.NewMailbox(t, b, true)
	mapper := NewMessageMapper(b, b, WithModSeq(b))

	err := RunInTransaction(ctx, b, mb, func(ctx context.Context) error {
		if _, err := mapper.Append(ctx, mb, &store.Message{Size: 1}); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if n, _ := b.CountMessages(ctx, mb); n != 0 {
		t.Errorf("expected rolled back append, got %d messages", n)
	}
	// Reservations are not given back.
	md, err := RunInTransactionResult(ctx, b, mb, func(ctx context.Context) (store.MessageMetaData, error) {
		return mapper.Append(ctx, mb, &store.Message{Size: 1})
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if md.UID != 2 {
		t.Errorf("expected uid 2 after the rolled back reservation, got %d", md.UID)
	}
}
