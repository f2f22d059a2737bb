package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailstore/store"
)

// tx is a write transaction holding the store's writer lock until it ends.
type tx struct {
	store     *Store
	mailboxID string
	tx        *sqlx.Tx
	closed    int32
}

var _ store.Tx = (*tx)(nil)

// BeginTx takes the writer lock and opens a transaction. The transaction
// outlives ctx; only waiting for the lock is bounded by it.
func (s *Store) BeginTx(ctx context.Context, mailbox *store.Mailbox) (store.Tx, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if mailbox == nil || mailbox.ID == "" {
		return nil, store.ErrInvalidID
	}
	if err := s.lock(ctx); err != nil {
		return nil, err
	}

	sqlTx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		s.unlock()
		if isBusy(err) {
			return nil, fmt.Errorf("%v: %w", err, store.ErrConflict)
		}
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{store: s, mailboxID: mailbox.ID, tx: sqlTx}, nil
}

func (t *tx) MailboxID() string {
	return t.mailboxID
}

func (t *tx) Commit(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	defer t.store.unlock()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%v: %w", err, store.ErrTransactionFailed)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	defer t.store.unlock()

	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock() {
	<-s.writer
}

// txFor returns the open transaction of this store carried by ctx, if any.
func (s *Store) txFor(ctx context.Context) *tx {
	v, ok := store.TxFromContext(ctx)
	if !ok {
		return nil
	}
	t, ok := v.(*tx)
	if !ok || t.store != s || atomic.LoadInt32(&t.closed) != 0 {
		return nil
	}
	return t
}

// reader returns the transaction carried by ctx so reads observe its
// uncommitted writes, or the database otherwise.
func (s *Store) reader(ctx context.Context) sqlx.QueryerContext {
	if t := s.txFor(ctx); t != nil {
		return t.tx
	}
	return s.db
}

// write runs op inside the transaction carried by ctx, or in a transaction
// of its own.
func (s *Store) write(ctx context.Context, op func(context.Context, sqlx.ExtContext) error) error {
	if t := s.txFor(ctx); t != nil {
		return op(ctx, t.tx)
	}
	return s.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return op(ctx, tx)
	})
}

func (s *Store) wrapTx(ctx context.Context, op func(context.Context, *sqlx.Tx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%v: %w", err, store.ErrConflict)
		}
		return err
	}

	defer func() {
		if v := recover(); v != nil {
			if err := tx.Rollback(); err != nil {
				panic(fmt.Errorf("rolling back while recovering (%v): %w", v, err))
			}
			panic(v)
		}
	}()

	if err := op(ctx, tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("rolling back transaction: %w", rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%v: %w", err, store.ErrTransactionFailed)
	}
	return nil
}
