// Package postgres provides a PostgreSQL implementation of store.Backend.
//
// UIDs and modseqs are allocated with UPDATE ... RETURNING on the pool, outside
// any caller transaction, so a reserved value stays consumed even if the
// caller rolls back. Mutation scopes are transactions holding a
// transaction-level advisory lock keyed by the mailbox ID.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Backend = (*Store)(nil)

// PostgreSQL error codes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerializationFailed = "40001"
	codeDeadlockDetected    = "40P01"
)

// Store implements store.Backend using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL",
		"mailbox_table", s.opts.mailboxTable,
		"message_table", s.opts.messageTable)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	mb, msg := s.opts.mailboxTable, s.opts.messageTable

	createMailboxes := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			namespace VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			name TEXT NOT NULL,
			owner_id VARCHAR(255) NOT NULL DEFAULT '',
			uid_validity BIGINT NOT NULL,
			modseq_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			last_uid BIGINT NOT NULL DEFAULT 0,
			highest_modseq BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (namespace, username, name)
		)
	`, mb)
	if _, err := s.db.ExecContext(ctx, createMailboxes); err != nil {
		return fmt.Errorf("create mailbox table: %w", err)
	}

	createMessages := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			mailbox_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			uid BIGINT NOT NULL,
			modseq BIGINT NOT NULL DEFAULT 0,
			flags TEXT[] NOT NULL DEFAULT '{}',
			size BIGINT NOT NULL DEFAULT 0,
			internal_date TIMESTAMPTZ NOT NULL,
			content_uri TEXT NOT NULL DEFAULT '',
			content BYTEA,
			PRIMARY KEY (mailbox_id, uid)
		)
	`, msg, mb)
	if _, err := s.db.ExecContext(ctx, createMessages); err != nil {
		return fmt.Errorf("create message table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)`, mb, mb),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_modseq ON %s(mailbox_id, modseq)`, msg, msg),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_flags ON %s USING GIN(flags)`, msg, msg),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func validMailbox(mailbox *store.Mailbox) error {
	if mailbox == nil {
		return store.ErrInvalidID
	}
	if _, err := uuid.Parse(mailbox.ID); err != nil {
		return store.ErrInvalidID
	}
	return nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// classify maps PostgreSQL errors onto store sentinels.
func classify(err error) error {
	switch pqCode(err) {
	case codeUniqueViolation:
		return store.ErrDuplicateEntry
	case codeForeignKeyViolation:
		return store.ErrMailboxNotFound
	case codeSerializationFailed, codeDeadlockDetected:
		return fmt.Errorf("%v: %w", err, store.ErrConflict)
	}
	return err
}

// =============================================================================
// Mailbox Operations
// =============================================================================

type mailboxRow struct {
	ID            string    `db:"id"`
	Namespace     string    `db:"namespace"`
	User          string    `db:"username"`
	Name          string    `db:"name"`
	OwnerID       string    `db:"owner_id"`
	UIDValidity   int64     `db:"uid_validity"`
	ModSeqEnabled bool      `db:"modseq_enabled"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *mailboxRow) toMailbox() *store.Mailbox {
	return &store.Mailbox{
		ID:            r.ID,
		Path:          store.MailboxPath{Namespace: r.Namespace, User: r.User, Name: r.Name},
		OwnerID:       r.OwnerID,
		UIDValidity:   uint32(r.UIDValidity),
		ModSeqEnabled: r.ModSeqEnabled,
		CreatedAt:     r.CreatedAt,
	}
}

const mailboxColumns = `id, namespace, username, name, owner_id, uid_validity, modseq_enabled, created_at`

func (s *Store) CreateMailbox(ctx context.Context, data store.MailboxData) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if data.Path.Name == "" {
		return nil, store.ErrInvalidID
	}
	if data.Path.Namespace == "" {
		data.Path.Namespace = store.DefaultNamespace
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	mb := &store.Mailbox{
		ID:            uuid.New().String(),
		Path:          data.Path,
		OwnerID:       data.OwnerID,
		UIDValidity:   uidValidity(now),
		ModSeqEnabled: data.ModSeqEnabled,
		CreatedAt:     now,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (`+mailboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.opts.mailboxTable)
	_, err := s.execer(ctx).ExecContext(ctx, query,
		mb.ID, mb.Path.Namespace, mb.Path.User, mb.Path.Name, mb.OwnerID,
		int64(mb.UIDValidity), mb.ModSeqEnabled, mb.CreatedAt)
	if err != nil {
		if pqCode(err) == codeUniqueViolation {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return mb, nil
}

func uidValidity(t time.Time) uint32 {
	v := uint32(t.Unix())
	if v == 0 {
		v = 1
	}
	return v
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row mailboxRow
	query := fmt.Sprintf(`SELECT `+mailboxColumns+` FROM %s WHERE id = $1`, s.opts.mailboxTable)
	if err := sqlx.GetContext(ctx, s.reader(ctx), &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return row.toMailbox(), nil
}

func (s *Store) MailboxByPath(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if path.Namespace == "" {
		path.Namespace = store.DefaultNamespace
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row mailboxRow
	query := fmt.Sprintf(`
		SELECT `+mailboxColumns+` FROM %s
		WHERE namespace = $1 AND username = $2 AND name = $3
	`, s.opts.mailboxTable)
	if err := sqlx.GetContext(ctx, s.reader(ctx), &row, query, path.Namespace, path.User, path.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("mailbox by path: %w", err)
	}
	return row.toMailbox(), nil
}

func (s *Store) CountMessages(ctx context.Context, mailbox *store.Mailbox) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := validMailbox(mailbox); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE mailbox_id = $1`, s.opts.messageTable)
	if err := sqlx.GetContext(ctx, s.reader(ctx), &n, query, mailbox.ID); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// =============================================================================
// Allocators
// =============================================================================

func (s *Store) LastUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	v, err := s.readCounter(ctx, mailbox, "last_uid")
	return imap.UID(v), err
}

// NextUID reserves the next UID. It always runs on its own connection.
func (s *Store) NextUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	v, err := s.bumpCounter(ctx, mailbox, "last_uid")
	return imap.UID(v), err
}

func (s *Store) HighestModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	v, err := s.readCounter(ctx, mailbox, "highest_modseq")
	return uint64(v), err
}

// NextModSeq reserves the next modseq. It always runs on its own connection.
func (s *Store) NextModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	v, err := s.bumpCounter(ctx, mailbox, "highest_modseq")
	return uint64(v), err
}

func (s *Store) readCounter(ctx context.Context, mailbox *store.Mailbox, column string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := validMailbox(mailbox); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var v int64
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, column, s.opts.mailboxTable)
	if err := s.db.GetContext(ctx, &v, query, mailbox.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrMailboxNotFound
		}
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return v, nil
}

func (s *Store) bumpCounter(ctx context.Context, mailbox *store.Mailbox, column string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := validMailbox(mailbox); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var v int64
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + 1 WHERE id = $1 RETURNING %s`,
		s.opts.mailboxTable, column, column, column)
	if err := s.db.GetContext(ctx, &v, query, mailbox.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrMailboxNotFound
		}
		return 0, fmt.Errorf("bump %s: %w", column, classify(err))
	}
	return v, nil
}
