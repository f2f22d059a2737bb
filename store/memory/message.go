package memory

import (
	"context"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

// findBatchSize is the page size of FindInMailbox iterators.
const findBatchSize = 100

// Persist inserts msg, or updates flags and modseq of the stored message with the same UID.
// Uses copy-on-write so iterators and callers never share a stored message.
func (s *Store) Persist(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if msg == nil || msg.UID == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}
	st, err := s.state(mailbox)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	t := s.txFor(ctx, st)

	st.mu.Lock()
	defer st.mu.Unlock()

	if t != nil {
		t.record(msg.UID)
	}

	var m *store.Message
	if orig, ok := st.messages[msg.UID]; ok {
		m = orig.Clone()
		m.Flags = msg.Flags.Clone()
		m.ModSeq = msg.ModSeq
	} else {
		m = msg.Clone()
		m.MailboxID = st.mailbox.ID
		if m.InternalDate.IsZero() {
			m.InternalDate = time.Now().UTC()
		}
	}
	st.messages[m.UID] = m

	return m.MetaData(), nil
}

// PersistCopy stores a duplicate of src under uid and modSeq.
func (s *Store) PersistCopy(ctx context.Context, mailbox *store.Mailbox, uid imap.UID, modSeq uint64, src *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if src == nil || uid == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}
	st, err := s.state(mailbox)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	t := s.txFor(ctx, st)

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.messages[uid]; exists {
		return store.MessageMetaData{}, store.ErrDuplicateEntry
	}
	if t != nil {
		t.record(uid)
	}

	m := src.Clone()
	m.MailboxID = st.mailbox.ID
	m.UID = uid
	m.ModSeq = modSeq
	st.messages[uid] = m

	return m.MetaData(), nil
}

// FindInMailbox returns the messages in rng in UID order, loaded in pages.
func (s *Store) FindInMailbox(_ context.Context, mailbox *store.Mailbox, rng store.MessageRange, fetch store.FetchType) (store.MessageIterator, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return nil, err
	}

	load := func(ctx context.Context, after uint32, limit int) ([]*store.Message, error) {
		if err := s.checkConnected(); err != nil {
			return nil, err
		}

		st.mu.RLock()
		uids := make([]imap.UID, 0, len(st.messages))
		for uid := range st.messages {
			if uint32(uid) > after && rng.Includes(uid) {
				uids = append(uids, uid)
			}
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if len(uids) > limit {
			uids = uids[:limit]
		}
		out := make([]*store.Message, len(uids))
		for i, uid := range uids {
			m := st.messages[uid].Clone()
			if fetch == store.FetchMetadata {
				m.Content = nil
			}
			out[i] = m
		}
		st.mu.RUnlock()

		return out, nil
	}

	return store.NewBatchIterator(load, findBatchSize), nil
}
