// Package store defines the storage contracts and data model of the message
// store. Implementations are in store/memory, store/sqlite, store/postgres and
// store/mongo; store/redis provides standalone allocators.
//
// # Architectural Principle: Atomic Allocation, No Distributed Locks
//
// UIDs and modseqs are handed out by the backend with a database-native
// atomic fetch-and-increment:
//
//   - memory: an atomic counter per mailbox
//   - sqlite: UPDATE ... RETURNING inside the single writer transaction
//   - postgres: UPDATE ... RETURNING on its own connection
//   - mongo: findOneAndUpdate with $inc
//   - redis: INCR
//
// Two callers can therefore never observe the same value. A value handed
// out is consumed: if the write that needed it fails, the value is skipped
// and never reissued. Gaps are legal, duplicates are not.
//
// Serializing a reserve-then-persist sequence against the same mailbox is the
// job of the Transactor, which uses the database's own primitives (row and
// advisory locks, session transactions) rather than an external lock service.
package store

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// UIDProvider allocates message UIDs per mailbox.
type UIDProvider interface {
	// LastUID returns the last UID handed out for the mailbox, or zero.
	LastUID(ctx context.Context, mailbox *Mailbox) (imap.UID, error)

	// NextUID atomically reserves and returns a UID strictly greater than any
	// previously returned for the mailbox.
	NextUID(ctx context.Context, mailbox *Mailbox) (imap.UID, error)
}

// ModSeqProvider allocates modification sequences per mailbox.
type ModSeqProvider interface {
	// HighestModSeq returns the highest modseq handed out for the mailbox, or zero.
	HighestModSeq(ctx context.Context, mailbox *Mailbox) (uint64, error)

	// NextModSeq atomically reserves and returns a modseq strictly greater
	// than any previously returned for the mailbox.
	NextModSeq(ctx context.Context, mailbox *Mailbox) (uint64, error)
}

// MessagePersister is the physical storage used by the message mapper.
type MessagePersister interface {
	// Persist stores the current state of msg. A message with an unknown UID
	// is inserted; a known one has its flags and modseq updated.
	Persist(ctx context.Context, mailbox *Mailbox, msg *Message) (MessageMetaData, error)

	// PersistCopy creates a new message in mailbox under uid and modSeq,
	// duplicating content and flags of src. src is not modified.
	PersistCopy(ctx context.Context, mailbox *Mailbox, uid imap.UID, modSeq uint64, src *Message) (MessageMetaData, error)

	// FindInMailbox returns the messages of mailbox in rng, in UID order.
	FindInMailbox(ctx context.Context, mailbox *Mailbox, rng MessageRange, fetch FetchType) (MessageIterator, error)
}

// MailboxStore manages mailbox records.
type MailboxStore interface {
	// CreateMailbox creates a mailbox. Returns ErrDuplicateEntry if the path exists.
	CreateMailbox(ctx context.Context, data MailboxData) (*Mailbox, error)

	// GetMailbox returns a mailbox by ID. Returns ErrMailboxNotFound if missing.
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)

	// MailboxByPath returns a mailbox by path. Returns ErrMailboxNotFound if missing.
	MailboxByPath(ctx context.Context, path MailboxPath) (*Mailbox, error)

	// CountMessages returns the number of messages in a mailbox.
	CountMessages(ctx context.Context, mailbox *Mailbox) (int64, error)
}

// Backend is a complete storage engine.
//
// All operations must be safe for concurrent use.
type Backend interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	MailboxStore
	MessagePersister
	UIDProvider
	ModSeqProvider
	Transactor
}
