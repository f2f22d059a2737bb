package postgres

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailstore/store"
)

// tx is a database transaction holding the mailbox advisory lock. The lock is
// released by PostgreSQL when the transaction ends.
type tx struct {
	store     *Store
	mailboxID string
	tx        *sqlx.Tx
	closed    int32
}

var _ store.Tx = (*tx)(nil)

// BeginTx opens a transaction and waits for the mailbox advisory lock. The
// transaction outlives ctx; only waiting for the lock is bounded by it.
func (s *Store) BeginTx(ctx context.Context, mailbox *store.Mailbox) (store.Tx, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}

	sqlTx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, mailbox.ID); err != nil {
		_ = sqlTx.Rollback()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("lock mailbox: %w", classify(err))
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
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%v: %w", classify(err), store.ErrTransactionFailed)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
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

func (s *Store) reader(ctx context.Context) sqlx.QueryerContext {
	if t := s.txFor(ctx); t != nil {
		return t.tx
	}
	return s.db
}

func (s *Store) execer(ctx context.Context) sqlx.ExtContext {
	if t := s.txFor(ctx); t != nil {
		return t.tx
	}
	return s.db
}
