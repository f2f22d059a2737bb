package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// undoEntry is the state of one message document before a standalone scope
// first wrote it. prev is nil when the document did not exist.
type undoEntry struct {
	filter bson.M
	prev   *messageDoc
}

// tx is a mutation scope on one mailbox. On servers with transactions it
// wraps a session transaction; otherwise it records an undo log.
type tx struct {
	store     *Store
	mailboxID string
	session   *mongo.Session
	scope     chan struct{}
	undo      []undoEntry
	closed    int32
}

var _ store.Tx = (*tx)(nil)

// BeginTx waits for the mailbox scope and opens a transaction when the
// server supports them.
func (s *Store) BeginTx(ctx context.Context, mailbox *store.Mailbox) (store.Tx, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}

	v, _ := s.scopes.LoadOrStore(mailbox.ID, make(chan struct{}, 1))
	scope := v.(chan struct{})
	select {
	case scope <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := &tx{store: s, mailboxID: mailbox.ID, scope: scope}
	if !s.transactions {
		return t, nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		<-scope
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		<-scope
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	t.session = session
	return t, nil
}

func (t *tx) MailboxID() string {
	return t.mailboxID
}

func (t *tx) Commit(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	defer func() { <-t.scope }()

	if t.session == nil {
		t.undo = nil
		return nil
	}
	defer t.session.EndSession(context.WithoutCancel(ctx))

	if err := t.session.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("%v: %w", classify(err), store.ErrTransactionFailed)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	defer func() { <-t.scope }()

	if t.session != nil {
		defer t.session.EndSession(context.WithoutCancel(ctx))
		if err := t.session.AbortTransaction(ctx); err != nil {
			return fmt.Errorf("rolling back transaction: %w", err)
		}
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		var err error
		if e.prev == nil {
			_, err = t.store.messages.DeleteOne(ctx, e.filter)
		} else {
			_, err = t.store.messages.ReplaceOne(ctx, e.filter, e.prev)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	t.undo = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// txFor returns the open scope of this store carried by ctx, if any.
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

// sessionCtx binds the session of the scope carried by ctx, so the
// operation runs inside its transaction.
func (s *Store) sessionCtx(ctx context.Context) context.Context {
	if t := s.txFor(ctx); t != nil && t.session != nil {
		return mongo.NewSessionContext(ctx, t.session)
	}
	return ctx
}

// recordUndo saves the document matched by filter before a standalone scope
// writes it for the first time.
func (s *Store) recordUndo(ctx context.Context, filter bson.M) error {
	t := s.txFor(ctx)
	if t == nil || t.session != nil {
		return nil
	}
	for _, e := range t.undo {
		if e.filter["mailbox_id"] == filter["mailbox_id"] && e.filter["uid"] == filter["uid"] {
			return nil
		}
	}

	var prev messageDoc
	err := s.messages.FindOne(ctx, filter).Decode(&prev)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		t.undo = append(t.undo, undoEntry{filter: filter})
	case err != nil:
		return fmt.Errorf("record undo: %w", err)
	default:
		t.undo = append(t.undo, undoEntry{filter: filter, prev: &prev})
	}
	return nil
}
