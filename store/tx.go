package store

import "context"

// Tx is a mutation scope against one mailbox. Exactly one of Commit or
// Rollback ends it; later calls return ErrTxClosed.
type Tx interface {
	// MailboxID returns the mailbox the scope was opened for.
	MailboxID() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactor opens mutation scopes. What a scope means is up to the backend:
// a database transaction, a lock, or both. A backend must ensure the
// reserve-then-persist sequence of one scope is not interleaved with another
// scope on the same mailbox, or fail with ErrConflict.
type Transactor interface {
	BeginTx(ctx context.Context, mailbox *Mailbox) (Tx, error)
}

type txKey struct{}

// ContextWithTx returns a context carrying tx. Backends read it back with
// TxFromContext to run their statements inside the scope.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the scope carried by ctx, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok && tx != nil
}
