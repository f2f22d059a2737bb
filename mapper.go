package mailstore

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

// MessageMapper assigns UIDs and modseqs around the three message mutations
// (append, copy, flag update) and delegates storage to a MessagePersister.
//
// The mapper does not serialize callers. Run its operations inside
// RunInTransaction so a reservation and the write that uses it are not
// interleaved with another writer on the same mailbox.
type MessageMapper struct {
	persister  store.MessagePersister
	uids       store.UIDProvider
	versioning Versioning
}

// NewMessageMapper creates a mapper.
func NewMessageMapper(persister store.MessagePersister, uids store.UIDProvider, versioning Versioning) *MessageMapper {
	return &MessageMapper{
		persister:  persister,
		uids:       uids,
		versioning: versioning,
	}
}

// Versioning returns the modseq policy of the mapper.
func (m *MessageMapper) Versioning() Versioning {
	return m.versioning
}

// reserve allocates a UID and, when tracking is on, a modseq.
func (m *MessageMapper) reserve(ctx context.Context, op string, mailbox *store.Mailbox) (imap.UID, uint64, error) {
	uid, err := m.uids.NextUID(ctx, mailbox)
	if err != nil {
		return 0, 0, &AllocationError{Op: op, MailboxID: mailbox.ID, Err: err}
	}
	modSeq, _, err := m.versioning.next(ctx, mailbox)
	if err != nil {
		return 0, 0, &AllocationError{Op: op, MailboxID: mailbox.ID, Err: err}
	}
	return uid, modSeq, nil
}

// Append stores msg as a new message of mailbox under a fresh UID (and
// modseq). msg itself is not modified. msg.UID must be zero.
func (m *MessageMapper) Append(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) (store.MessageMetaData, error) {
	if mailbox == nil {
		return store.MessageMetaData{}, ErrNilMailbox
	}
	if msg == nil {
		return store.MessageMetaData{}, ErrNilMessage
	}
	if msg.UID != 0 {
		return store.MessageMetaData{}, ErrUIDAlreadyAssigned
	}

	uid, modSeq, err := m.reserve(ctx, "append", mailbox)
	if err != nil {
		return store.MessageMetaData{}, err
	}

	stored := *msg
	stored.MailboxID = mailbox.ID
	stored.UID = uid
	stored.ModSeq = modSeq

	md, err := m.persister.Persist(ctx, mailbox, &stored)
	if err != nil {
		return store.MessageMetaData{}, &PersistenceError{Op: "append", MailboxID: mailbox.ID, UID: uid, ModSeq: modSeq, Err: err}
	}
	return md, nil
}

// Copy duplicates src into mailbox under a fresh UID (and modseq). src and
// its mailbox are left untouched.
func (m *MessageMapper) Copy(ctx context.Context, mailbox *store.Mailbox, src *store.Message) (store.MessageMetaData, error) {
	if mailbox == nil {
		return store.MessageMetaData{}, ErrNilMailbox
	}
	if src == nil {
		return store.MessageMetaData{}, ErrNilMessage
	}

	uid, modSeq, err := m.reserve(ctx, "copy", mailbox)
	if err != nil {
		return store.MessageMetaData{}, err
	}

	md, err := m.persister.PersistCopy(ctx, mailbox, uid, modSeq, src)
	if err != nil {
		return store.MessageMetaData{}, &PersistenceError{Op: "copy", MailboxID: mailbox.ID, UID: uid, ModSeq: modSeq, Err: err}
	}
	return md, nil
}

// UpdateFlags applies update to every message of mailbox in rng.
//
// One modseq is reserved for the whole call and shared by every message whose
// flags change. It is reserved when the first changing message is reached, so
// an empty range or a call that changes nothing consumes no modseq. Messages
// whose flags are unchanged are not written and keep their modseq.
//
// The returned iterator does the work as it is consumed. Records for messages
// visited before a failure are still yielded; the failure is returned by the
// following Next.
func (m *MessageMapper) UpdateFlags(ctx context.Context, mailbox *store.Mailbox, update store.FlagsUpdate, rng store.MessageRange) (*UpdatedFlagsIterator, error) {
	return m.UpdateFlagsRanges(ctx, mailbox, update, []store.MessageRange{rng})
}

// UpdateFlagsRanges is UpdateFlags over several ranges visited in order.
// The ranges form one request: they share a single modseq reservation.
// Callers pass disjoint ranges in ascending order, as RangesFromUIDSet
// returns them, so no message is visited twice.
func (m *MessageMapper) UpdateFlagsRanges(ctx context.Context, mailbox *store.Mailbox, update store.FlagsUpdate, ranges []store.MessageRange) (*UpdatedFlagsIterator, error) {
	if mailbox == nil {
		return nil, ErrNilMailbox
	}
	for _, rng := range ranges {
		if err := rng.Validate(); err != nil {
			return nil, err
		}
	}

	u := &flagsUpdater{
		mapper:  m,
		mailbox: mailbox,
		update:  update,
		ranges:  ranges,
	}

	// Read ahead one message so an empty request returns without further work.
	ok, err := u.advance(ctx)
	if err != nil {
		_ = u.close()
		return nil, err
	}
	if !ok {
		return emptyUpdatedFlags(), nil
	}
	u.pending = true
	return newUpdatedFlagsIterator(u.step, u.close), nil
}

// flagsUpdater holds the per-call state of UpdateFlagsRanges.
type flagsUpdater struct {
	mapper  *MessageMapper
	mailbox *store.Mailbox
	update  store.FlagsUpdate

	ranges []store.MessageRange // not yet opened
	msgs   store.MessageIterator

	pending bool // msgs is positioned on a message not yet processed

	reserved bool
	tracked  bool
	modSeq   uint64
}

// advance positions msgs on the next message, opening the following range
// once the current one runs out.
func (u *flagsUpdater) advance(ctx context.Context) (bool, error) {
	for {
		if u.msgs == nil {
			if len(u.ranges) == 0 {
				return false, nil
			}
			msgs, err := u.mapper.persister.FindInMailbox(ctx, u.mailbox, u.ranges[0], store.FetchMetadata)
			if err != nil {
				return false, fmt.Errorf("find messages: %w", err)
			}
			u.msgs, u.ranges = msgs, u.ranges[1:]
		}
		ok, err := u.msgs.Next(ctx)
		if err != nil {
			return false, fmt.Errorf("find messages: %w", err)
		}
		if ok {
			return true, nil
		}
		_ = u.close()
	}
}

func (u *flagsUpdater) close() error {
	if u.msgs == nil {
		return nil
	}
	err := u.msgs.Close()
	u.msgs = nil
	return err
}

func (u *flagsUpdater) step(ctx context.Context) (store.UpdatedFlags, bool, error) {
	if !u.pending {
		ok, err := u.advance(ctx)
		if err != nil || !ok {
			return store.UpdatedFlags{}, false, err
		}
	}
	u.pending = false

	msg, err := u.msgs.Message()
	if err != nil {
		return store.UpdatedFlags{}, false, err
	}

	oldFlags := msg.Flags
	newFlags := u.update.Apply(oldFlags)
	if newFlags.Equal(oldFlags) {
		return store.NewUpdatedFlags(msg.UID, msg.ModSeq, oldFlags, oldFlags), true, nil
	}

	if !u.reserved {
		modSeq, tracked, err := u.mapper.versioning.next(ctx, u.mailbox)
		if err != nil {
			return store.UpdatedFlags{}, false, &AllocationError{Op: "update flags", MailboxID: u.mailbox.ID, Err: err}
		}
		u.reserved, u.tracked, u.modSeq = true, tracked, modSeq
	}

	changed := *msg
	changed.Flags = newFlags
	if u.tracked {
		changed.ModSeq = u.modSeq
	}
	if _, err := u.mapper.persister.Persist(ctx, u.mailbox, &changed); err != nil {
		return store.UpdatedFlags{}, false, &PersistenceError{
			Op:        "update flags",
			MailboxID: u.mailbox.ID,
			UID:       msg.UID,
			ModSeq:    changed.ModSeq,
			Err:       err,
		}
	}
	return store.NewUpdatedFlags(msg.UID, changed.ModSeq, oldFlags, newFlags), true, nil
}

// LastUID returns the last UID handed out for mailbox.
func (m *MessageMapper) LastUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	if mailbox == nil {
		return 0, ErrNilMailbox
	}
	return m.uids.LastUID(ctx, mailbox)
}

// HighestModSeq returns the highest modseq handed out for mailbox. enabled is
// false, with a zero modseq, when the mapper does not track modseqs.
func (m *MessageMapper) HighestModSeq(ctx context.Context, mailbox *store.Mailbox) (modSeq uint64, enabled bool, err error) {
	if mailbox == nil {
		return 0, false, ErrNilMailbox
	}
	return m.versioning.highest(ctx, mailbox)
}
