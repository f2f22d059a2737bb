// Package memory provides an in-memory store.Backend implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Backend = (*Store)(nil)

// Store implements store.Backend with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mailboxes sync.Map // map[string]*mailboxState (mailbox ID -> state)
	paths     sync.Map // map[string]string (path key -> mailbox ID)
	createMu  sync.Mutex
	connected int32
}

// mailboxState holds one mailbox, its messages and its allocator counters.
type mailboxState struct {
	mailbox *store.Mailbox

	// txLock is held for the lifetime of a Tx. A channel so that acquiring
	// it can honor context cancellation.
	txLock chan struct{}

	// Allocator counters. Only ever incremented.
	lastUID       atomic.Uint32
	highestModSeq atomic.Uint64

	mu       sync.RWMutex
	messages map[imap.UID]*store.Message
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// state returns the mailbox state, or ErrMailboxNotFound.
func (s *Store) state(mailbox *store.Mailbox) (*mailboxState, error) {
	if mailbox == nil || mailbox.ID == "" {
		return nil, store.ErrInvalidID
	}
	v, ok := s.mailboxes.Load(mailbox.ID)
	if !ok {
		return nil, store.ErrMailboxNotFound
	}
	return v.(*mailboxState), nil
}

// =============================================================================
// Mailbox Operations
// =============================================================================

// CreateMailbox creates a new mailbox. Returns ErrDuplicateEntry if the path is taken.
func (s *Store) CreateMailbox(_ context.Context, data store.MailboxData) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if data.Path.Name == "" {
		return nil, store.ErrInvalidID
	}
	if data.Path.Namespace == "" {
		data.Path.Namespace = store.DefaultNamespace
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	key := data.Path.String()
	if _, exists := s.paths.Load(key); exists {
		return nil, store.ErrDuplicateEntry
	}

	now := time.Now().UTC()
	mb := &store.Mailbox{
		ID:            uuid.New().String(),
		Path:          data.Path,
		OwnerID:       data.OwnerID,
		UIDValidity:   uidValidity(now),
		ModSeqEnabled: data.ModSeqEnabled,
		CreatedAt:     now,
	}
	st := &mailboxState{
		mailbox:  mb,
		txLock:   make(chan struct{}, 1),
		messages: make(map[imap.UID]*store.Message),
	}
	s.mailboxes.Store(mb.ID, st)
	s.paths.Store(key, mb.ID)

	return mb.Clone(), nil
}

// uidValidity derives a non-zero UIDVALIDITY from the creation time.
func uidValidity(t time.Time) uint32 {
	v := uint32(t.Unix())
	if v == 0 {
		v = 1
	}
	return v
}

// GetMailbox retrieves a mailbox by ID.
func (s *Store) GetMailbox(_ context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	v, ok := s.mailboxes.Load(id)
	if !ok {
		return nil, store.ErrMailboxNotFound
	}
	return v.(*mailboxState).mailbox.Clone(), nil
}

// MailboxByPath retrieves a mailbox by path.
func (s *Store) MailboxByPath(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if path.Namespace == "" {
		path.Namespace = store.DefaultNamespace
	}
	id, ok := s.paths.Load(path.String())
	if !ok {
		return nil, store.ErrMailboxNotFound
	}
	return s.GetMailbox(ctx, id.(string))
}

// CountMessages returns the number of messages in a mailbox.
func (s *Store) CountMessages(_ context.Context, mailbox *store.Mailbox) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return 0, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return int64(len(st.messages)), nil
}

// =============================================================================
// Allocators
// =============================================================================

// LastUID returns the last UID handed out for the mailbox.
func (s *Store) LastUID(_ context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return 0, err
	}
	return imap.UID(st.lastUID.Load()), nil
}

// NextUID reserves the next UID. Rolled back scopes do not return it.
func (s *Store) NextUID(_ context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return 0, err
	}
	return imap.UID(st.lastUID.Add(1)), nil
}

// HighestModSeq returns the highest modseq handed out for the mailbox.
func (s *Store) HighestModSeq(_ context.Context, mailbox *store.Mailbox) (uint64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return 0, err
	}
	return st.highestModSeq.Load(), nil
}

// NextModSeq reserves the next modseq.
func (s *Store) NextModSeq(_ context.Context, mailbox *store.Mailbox) (uint64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := s.state(mailbox)
	if err != nil {
		return 0, err
	}
	return st.highestModSeq.Add(1), nil
}

// SetCounters moves the allocator counters of a mailbox forward, e.g. when
// importing a mailbox. Counters never move backwards; lower values are ignored.
func (s *Store) SetCounters(mailbox *store.Mailbox, lastUID imap.UID, highestModSeq uint64) error {
	st, err := s.state(mailbox)
	if err != nil {
		return err
	}
	for {
		cur := st.lastUID.Load()
		if uint32(lastUID) <= cur || st.lastUID.CompareAndSwap(cur, uint32(lastUID)) {
			break
		}
	}
	for {
		cur := st.highestModSeq.Load()
		if highestModSeq <= cur || st.highestModSeq.CompareAndSwap(cur, highestModSeq) {
			break
		}
	}
	return nil
}
