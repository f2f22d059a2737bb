// Package storetest provides a conformance suite for store.Backend
// implementations. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
)

// Factory returns a connected, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) store.Backend

// Run runs the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Mailboxes", func(t *testing.T) { testMailboxes(t, newBackend(t)) })
	t.Run("Allocators", func(t *testing.T) { testAllocators(t, newBackend(t)) })
	t.Run("ConcurrentAllocation", func(t *testing.T) { testConcurrentAllocation(t, newBackend(t)) })
	t.Run("PersistAndFind", func(t *testing.T) { testPersistAndFind(t, newBackend(t)) })
	t.Run("PersistCopy", func(t *testing.T) { testPersistCopy(t, newBackend(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newBackend(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newBackend(t)) })
	t.Run("TxSerializes", func(t *testing.T) { testTxSerializes(t, newBackend(t)) })
	t.Run("TxClosed", func(t *testing.T) { testTxClosed(t, newBackend(t)) })
}

// NewMailbox creates a mailbox with a unique name.
func NewMailbox(t *testing.T, b store.Backend, modSeq bool) *store.Mailbox {
	t.Helper()
	mb, err := b.CreateMailbox(context.Background(), store.MailboxData{
		Path:          store.NewMailboxPath("user", "box-"+uuid.NewString()),
		OwnerID:       "user",
		ModSeqEnabled: modSeq,
	})
	if err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	return mb
}

// Collect drains a message iterator.
func Collect(ctx context.Context, it store.MessageIterator) ([]*store.Message, error) {
	defer it.Close()
	var out []*store.Message
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		msg, err := it.Message()
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

func newMessage(uid imap.UID, modSeq uint64, flags ...imap.Flag) *store.Message {
	body := []byte(fmt.Sprintf("Subject: %d\r\n\r\nbody %d\r\n", uid, uid))
	return &store.Message{
		UID:          uid,
		ModSeq:       modSeq,
		Flags:        store.NewFlags(flags...),
		Size:         int64(len(body)),
		InternalDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ContentURI:   fmt.Sprintf("mem://%d", uid),
		Content:      body,
	}
}

func persist(t *testing.T, b store.Backend, mb *store.Mailbox, msg *store.Message) {
	t.Helper()
	if _, err := b.Persist(context.Background(), mb, msg); err != nil {
		t.Fatalf("persist uid %d: %v", msg.UID, err)
	}
}

func find(t *testing.T, b store.Backend, mb *store.Mailbox, rng store.MessageRange, fetch store.FetchType) []*store.Message {
	t.Helper()
	ctx := context.Background()
	it, err := b.FindInMailbox(ctx, mb, rng, fetch)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	msgs, err := Collect(ctx, it)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return msgs
}

func testMailboxes(t *testing.T, b store.Backend) {
	ctx := context.Background()
	path := store.NewMailboxPath("alice", "INBOX")

	mb, err := b.CreateMailbox(ctx, store.MailboxData{Path: path, OwnerID: "alice", ModSeqEnabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if mb.ID == "" || mb.UIDValidity == 0 || !mb.ModSeqEnabled {
		t.Errorf("unexpected mailbox: %+v", mb)
	}

	if _, err := b.CreateMailbox(ctx, store.MailboxData{Path: path, OwnerID: "alice"}); !errors.Is(err, store.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}

	got, err := b.GetMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != mb.ID || got.Path != path || got.UIDValidity != mb.UIDValidity {
		t.Errorf("expected %+v, got %+v", mb, got)
	}

	byPath, err := b.MailboxByPath(ctx, path)
	if err != nil {
		t.Fatalf("by path: %v", err)
	}
	if byPath.ID != mb.ID {
		t.Errorf("expected id %s, got %s", mb.ID, byPath.ID)
	}

	missing := &store.Mailbox{ID: uuid.NewString()}
	if _, err := b.GetMailbox(ctx, missing.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.MailboxByPath(ctx, store.NewMailboxPath("alice", "nope")); !errors.Is(err, store.ErrMailboxNotFound) {
		t.Errorf("expected ErrMailboxNotFound, got %v", err)
	}
	if _, err := b.NextUID(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from NextUID, got %v", err)
	}
}

func testAllocators(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)

	last, err := b.LastUID(ctx, mb)
	if err != nil || last != 0 {
		t.Fatalf("expected initial LastUID 0, got %d (%v)", last, err)
	}
	highest, err := b.HighestModSeq(ctx, mb)
	if err != nil || highest != 0 {
		t.Fatalf("expected initial HighestModSeq 0, got %d (%v)", highest, err)
	}

	var prev imap.UID
	for i := 0; i < 5; i++ {
		uid, err := b.NextUID(ctx, mb)
		if err != nil {
			t.Fatalf("next uid: %v", err)
		}
		if uid <= prev {
			t.Fatalf("uid %d not greater than %d", uid, prev)
		}
		prev = uid
	}
	if last, _ := b.LastUID(ctx, mb); last != prev {
		t.Errorf("expected LastUID %d, got %d", prev, last)
	}

	m1, err := b.NextModSeq(ctx, mb)
	if err != nil {
		t.Fatalf("next modseq: %v", err)
	}
	m2, err := b.NextModSeq(ctx, mb)
	if err != nil {
		t.Fatalf("next modseq: %v", err)
	}
	if m2 <= m1 {
		t.Errorf("modseq %d not greater than %d", m2, m1)
	}
	if h, _ := b.HighestModSeq(ctx, mb); h != m2 {
		t.Errorf("expected HighestModSeq %d, got %d", m2, h)
	}

	// Counters are per mailbox.
	other := NewMailbox(t, b, true)
	if uid, err := b.NextUID(ctx, other); err != nil || uid != 1 {
		t.Errorf("expected first uid of new mailbox to be 1, got %d (%v)", uid, err)
	}
}

func testConcurrentAllocation(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)

	const workers, perWorker = 8, 10
	uids := make(chan imap.UID, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				uid, err := b.NextUID(ctx, mb)
				if err != nil {
					errs <- err
					continue
				}
				uids <- uid
			}
		}()
	}
	wg.Wait()
	close(uids)
	close(errs)

	for err := range errs {
		t.Errorf("allocation error: %v", err)
	}
	seen := make(map[imap.UID]bool)
	for uid := range uids {
		if seen[uid] {
			t.Errorf("uid %d handed out twice", uid)
		}
		seen[uid] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d distinct uids, got %d", workers*perWorker, len(seen))
	}
}

func testPersistAndFind(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)

	for _, uid := range []imap.UID{5, 2, 9, 7} {
		persist(t, b, mb, newMessage(uid, uint64(uid), imap.FlagSeen))
	}

	all := find(t, b, mb, store.All(), store.FetchFull)
	if len(all) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(all))
	}
	for i, want := range []imap.UID{2, 5, 7, 9} {
		if all[i].UID != want {
			t.Errorf("index %d: expected uid %d, got %d", i, want, all[i].UID)
		}
		if all[i].MailboxID != mb.ID {
			t.Errorf("uid %d: expected mailbox %s, got %s", all[i].UID, mb.ID, all[i].MailboxID)
		}
		if len(all[i].Content) == 0 {
			t.Errorf("uid %d: expected content with FetchFull", all[i].UID)
		}
		if !all[i].Flags.Equal(store.NewFlags(imap.FlagSeen)) {
			t.Errorf("uid %d: unexpected flags %s", all[i].UID, all[i].Flags)
		}
	}

	meta := find(t, b, mb, store.Interval(3, 8), store.FetchMetadata)
	if len(meta) != 2 || meta[0].UID != 5 || meta[1].UID != 7 {
		t.Fatalf("unexpected interval result: %v", uidsOf(meta))
	}
	if meta[0].Content != nil {
		t.Error("expected no content with FetchMetadata")
	}
	if meta[0].ModSeq != 5 || meta[0].ContentURI == "" || meta[0].Size == 0 {
		t.Errorf("metadata incomplete: %+v", meta[0])
	}

	if one := find(t, b, mb, store.One(9), store.FetchMetadata); len(one) != 1 || one[0].UID != 9 {
		t.Errorf("unexpected single result: %v", uidsOf(one))
	}
	if from := find(t, b, mb, store.From(6), store.FetchMetadata); len(from) != 2 {
		t.Errorf("unexpected from result: %v", uidsOf(from))
	}
	if none := find(t, b, mb, store.Interval(10, 20), store.FetchMetadata); len(none) != 0 {
		t.Errorf("expected empty result, got %v", uidsOf(none))
	}

	// Persisting a known UID updates flags and modseq in place.
	upd := meta[0]
	upd.Flags = store.NewFlags(imap.FlagFlagged, "work")
	upd.ModSeq = 42
	md, err := b.Persist(ctx, mb, upd)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if md.ModSeq != 42 || !md.Flags.Equal(upd.Flags) {
		t.Errorf("unexpected metadata: %+v", md)
	}
	got := find(t, b, mb, store.One(5), store.FetchFull)
	if len(got) != 1 || got[0].ModSeq != 42 || !got[0].Flags.Equal(upd.Flags) {
		t.Fatalf("update not stored: %+v", got)
	}
	if len(got[0].Content) == 0 {
		t.Error("flag update lost content")
	}

	if n, err := b.CountMessages(ctx, mb); err != nil || n != 4 {
		t.Errorf("expected 4 messages, got %d (%v)", n, err)
	}

	if _, err := b.FindInMailbox(ctx, mb, store.Interval(8, 3), store.FetchMetadata); !errors.Is(err, store.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func testPersistCopy(t *testing.T, b store.Backend) {
	ctx := context.Background()
	src := NewMailbox(t, b, true)
	dst := NewMailbox(t, b, true)

	orig := newMessage(4, 3, imap.FlagSeen, "work")
	persist(t, b, src, orig)

	srcMsgs := find(t, b, src, store.One(4), store.FetchFull)
	if len(srcMsgs) != 1 {
		t.Fatalf("source not found")
	}

	md, err := b.PersistCopy(ctx, dst, 7, 13, srcMsgs[0])
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if md.UID != 7 || md.ModSeq != 13 || !md.Flags.Equal(orig.Flags) || md.Size != orig.Size {
		t.Errorf("unexpected copy metadata: %+v", md)
	}

	copied := find(t, b, dst, store.All(), store.FetchFull)
	if len(copied) != 1 || copied[0].UID != 7 || copied[0].MailboxID != dst.ID {
		t.Fatalf("unexpected copy: %+v", copied)
	}
	if string(copied[0].Content) != string(orig.Content) || copied[0].ContentURI != orig.ContentURI {
		t.Error("content not duplicated")
	}

	// Source untouched.
	after := find(t, b, src, store.All(), store.FetchMetadata)
	if len(after) != 1 || after[0].UID != 4 || after[0].ModSeq != 3 {
		t.Errorf("source modified: %+v", after)
	}

	if _, err := b.PersistCopy(ctx, dst, 7, 14, srcMsgs[0]); !errors.Is(err, store.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
}

func testTxCommit(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)

	tx, err := b.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.MailboxID() != mb.ID {
		t.Errorf("expected mailbox %s, got %s", mb.ID, tx.MailboxID())
	}
	txCtx := store.ContextWithTx(ctx, tx)

	uid, err := b.NextUID(txCtx, mb)
	if err != nil {
		t.Fatalf("next uid: %v", err)
	}
	if _, err := b.Persist(txCtx, mb, newMessage(uid, 1)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if msgs := find(t, b, mb, store.All(), store.FetchMetadata); len(msgs) != 1 || msgs[0].UID != uid {
		t.Errorf("committed message missing: %v", uidsOf(msgs))
	}
}

func testTxRollback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)
	persist(t, b, mb, newMessage(1, 1, imap.FlagSeen))

	tx, err := b.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	txCtx := store.ContextWithTx(ctx, tx)

	uid, err := b.NextUID(txCtx, mb)
	if err != nil {
		t.Fatalf("next uid: %v", err)
	}
	if _, err := b.Persist(txCtx, mb, newMessage(uid, 2)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	upd := newMessage(1, 2, imap.FlagDeleted)
	if _, err := b.Persist(txCtx, mb, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	msgs := find(t, b, mb, store.All(), store.FetchMetadata)
	if len(msgs) != 1 || msgs[0].UID != 1 {
		t.Fatalf("rollback left messages behind: %v", uidsOf(msgs))
	}
	if msgs[0].ModSeq != 1 || !msgs[0].Flags.Equal(store.NewFlags(imap.FlagSeen)) {
		t.Errorf("rollback did not restore message: %+v", msgs[0])
	}

	// A reserved UID is never handed out again.
	next, err := b.NextUID(ctx, mb)
	if err != nil {
		t.Fatalf("next uid: %v", err)
	}
	if next <= uid {
		t.Errorf("uid %d reissued after rollback (got %d)", uid, next)
	}
}

func testTxSerializes(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, true)

	tx, err := b.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// A second scope on the same mailbox cannot open while the first is held.
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	second, err := b.BeginTx(waitCtx, mb)
	if err == nil {
		_ = second.Rollback(ctx)
		t.Fatal("expected second BeginTx to block until timeout")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	third, err := b.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin after commit: %v", err)
	}
	if err := third.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func testTxClosed(t *testing.T, b store.Backend) {
	ctx := context.Background()
	mb := NewMailbox(t, b, false)

	tx, err := b.BeginTx(ctx, mb)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, store.ErrTxClosed) {
		t.Errorf("expected ErrTxClosed on second commit, got %v", err)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, store.ErrTxClosed) {
		t.Errorf("expected ErrTxClosed on rollback after commit, got %v", err)
	}
}

func uidsOf(msgs []*store.Message) []imap.UID {
	out := make([]imap.UID, len(msgs))
	for i, m := range msgs {
		out[i] = m.UID
	}
	return out
}
