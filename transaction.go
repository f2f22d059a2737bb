package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailstore/store"
)

// RunInTransaction runs fn inside a mutation scope for mailbox.
//
// The scope travels in the context passed to fn; backends pick it up from
// there. It is committed when fn returns nil and rolled back when fn returns
// an error, panics, or exits through runtime.Goexit, or when ctx is
// cancelled by the time fn returns. The scope is ended exactly once.
//
// Scopes do not nest: a ctx that already carries one fails with
// ErrNestedTransaction before anything is started.
func RunInTransaction(ctx context.Context, t store.Transactor, mailbox *store.Mailbox, fn func(ctx context.Context) error) error {
	_, err := RunInTransactionResult(ctx, t, mailbox, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunInTransactionResult is RunInTransaction for operations producing a value.
// The value is discarded unless the scope commits.
func RunInTransactionResult[T any](ctx context.Context, t store.Transactor, mailbox *store.Mailbox, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if _, ok := store.TxFromContext(ctx); ok {
		return zero, ErrNestedTransaction
	}
	if mailbox == nil {
		return zero, ErrNilMailbox
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tx, err := t.BeginTx(ctx, mailbox)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	// Ending the scope must not depend on the caller's context still being alive.
	endCtx := context.WithoutCancel(ctx)

	returned := false
	defer func() {
		if returned {
			return
		}
		v := recover()
		if err := tx.Rollback(endCtx); err != nil {
			if v == nil {
				// runtime.Goexit: nothing to re-panic with.
				return
			}
			panic(fmt.Errorf("rolling back while recovering (%v): %w", v, err))
		}
		if v != nil {
			panic(v)
		}
	}()

	result, err := fn(store.ContextWithTx(ctx, tx))
	returned = true

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if rerr := tx.Rollback(endCtx); rerr != nil {
			return zero, errors.Join(err, fmt.Errorf("rolling back transaction: %w", rerr))
		}
		return zero, err
	}

	if err := tx.Commit(endCtx); err != nil {
		return zero, fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}
	return result, nil
}
