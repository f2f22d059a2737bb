package mailstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
	"github.com/rbaliyan/mailstore/store/storetest"
)

var errBoom = errors.New("boom")

// newMemoryBackend returns a connected in-memory backend.
func newMemoryBackend(t *testing.T) *memory.Store {
	t.Helper()
	b := memory.New()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// countingModSeqs counts reservations.
type countingModSeqs struct {
	store.ModSeqProvider
	calls atomic.Int32
}

func (c *countingModSeqs) NextModSeq(ctx context.Context, mb *store.Mailbox) (uint64, error) {
	c.calls.Add(1)
	return c.ModSeqProvider.NextModSeq(ctx, mb)
}

// failingModSeqs fails every reservation.
type failingModSeqs struct {
	store.ModSeqProvider
	err error
}

func (f *failingModSeqs) NextModSeq(context.Context, *store.Mailbox) (uint64, error) {
	return 0, f.err
}

// failingUIDs fails the first n reservations, then delegates.
type failingUIDs struct {
	store.UIDProvider
	n   atomic.Int32
	err error
}

func (f *failingUIDs) NextUID(ctx context.Context, mb *store.Mailbox) (imap.UID, error) {
	if f.n.Add(-1) >= 0 {
		return 0, f.err
	}
	return f.UIDProvider.NextUID(ctx, mb)
}

// countingPersister counts Persist calls and fails for failUID.
type countingPersister struct {
	store.MessagePersister
	persists atomic.Int32
	failUID  imap.UID
	err      error
}

func (p *countingPersister) Persist(ctx context.Context, mb *store.Mailbox, msg *store.Message) (store.MessageMetaData, error) {
	p.persists.Add(1)
	if p.failUID != 0 && msg.UID == p.failUID {
		return store.MessageMetaData{}, p.err
	}
	return p.MessagePersister.Persist(ctx, mb, msg)
}

// seed stores a message directly, bypassing the allocators.
func seed(t *testing.T, b store.MessagePersister, mb *store.Mailbox, uid imap.UID, modSeq uint64, flags ...imap.Flag) {
	t.Helper()
	_, err := b.Persist(context.Background(), mb, &store.Message{
		UID:     uid,
		ModSeq:  modSeq,
		Flags:   store.NewFlags(flags...),
		Size:    int64(len("body")),
		Content: []byte("body"),
	})
	if err != nil {
		t.Fatalf("seed uid %d: %v", uid, err)
	}
}

// load returns the stored state of one message.
func load(t *testing.T, b store.MessagePersister, mb *store.Mailbox, uid imap.UID) *store.Message {
	t.Helper()
	it, err := b.FindInMailbox(context.Background(), mb, store.One(uid), store.FetchFull)
	if err != nil {
		t.Fatalf("find uid %d: %v", uid, err)
	}
	msgs, err := storetest.Collect(context.Background(), it)
	if err != nil {
		t.Fatalf("collect uid %d: %v", uid, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected message %d, got %d messages", uid, len(msgs))
	}
	return msgs[0]
}
