package memory

import (
	"context"
	"sync/atomic"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

// undoEntry remembers the state of one message before the scope touched it.
// prev is nil when the message did not exist.
type undoEntry struct {
	uid  imap.UID
	prev *store.Message
}

// tx is a mutation scope holding the mailbox's txLock. Message writes are
// recorded in an undo log so Rollback can restore them. Allocator counters
// are not rewound: values handed out stay consumed.
type tx struct {
	store  *Store
	state  *mailboxState
	undo   []undoEntry
	closed int32
}

var _ store.Tx = (*tx)(nil)

// BeginTx locks the mailbox for the duration of the scope.
func (s *Store) BeginTx(ctx context.Context, mailbox *store.Mailbox) (store.Tx, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return nil, err
	}

	select {
	case st.txLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tx{store: s, state: st}, nil
}

func (t *tx) MailboxID() string {
	return t.state.mailbox.ID
}

func (t *tx) Commit(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}
	t.undo = nil
	<-t.state.txLock
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return store.ErrTxClosed
	}

	t.state.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		if e.prev == nil {
			delete(t.state.messages, e.uid)
		} else {
			t.state.messages[e.uid] = e.prev
		}
	}
	t.state.mu.Unlock()

	t.undo = nil
	<-t.state.txLock
	return nil
}

// record saves the state of uid before the first write in this scope.
// Caller holds state.mu.
func (t *tx) record(uid imap.UID) {
	for _, e := range t.undo {
		if e.uid == uid {
			return
		}
	}
	var prev *store.Message
	if m, ok := t.state.messages[uid]; ok {
		prev = m
	}
	t.undo = append(t.undo, undoEntry{uid: uid, prev: prev})
}

// txFor returns the open scope of this store for st carried by ctx, if any.
func (s *Store) txFor(ctx context.Context, st *mailboxState) *tx {
	v, ok := store.TxFromContext(ctx)
	if !ok {
		return nil
	}
	t, ok := v.(*tx)
	if !ok || t.store != s || t.state != st || atomic.LoadInt32(&t.closed) != 0 {
		return nil
	}
	return t
}
