// Package sqlite provides a SQLite implementation of store.Backend.
//
// SQLite allows a single writer at a time, so the store serializes all write
// transactions behind one lock. Reads run concurrently thanks to WAL mode.
//
// UID and modseq counters live in a second database file. A reservation is
// committed there on its own, so rolling back the mailbox transaction that
// used it does not hand the value out again, not even after a restart.
package sqlite

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
	"github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Backend = (*Store)(nil)

// Store implements store.Backend on a SQLite database file.
type Store struct {
	path      string
	db        *sqlx.DB
	counters  *sqlx.DB // allocator state, never joined to a mailbox transaction
	opts      *options
	connected int32
	logger    *slog.Logger

	// writer is held by every write transaction. A channel so that waiting
	// for it honors context cancellation.
	writer chan struct{}
}

// New creates a store backed by the database file at path. The file, and
// the counter file next to it, are created on Connect if they do not exist.
func New(path string, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		path:   path,
		opts:   o,
		logger: o.logger,
		writer: make(chan struct{}, 1),
	}
}

func (s *Store) dsn(path string) string {
	return fmt.Sprintf("file:%s?_fk=1&_journal=WAL&_busy_timeout=%d&_txlock=immediate",
		path, s.opts.busyTimeout.Milliseconds())
}

func (s *Store) counterPath() string {
	if s.opts.counterPath != "" {
		return s.opts.counterPath
	}
	return s.path + ".counters"
}

// Connect opens the database and creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.path == "" {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlite: path is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	db, err := s.open(ctx, s.path)
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return err
	}
	counters, err := s.open(ctx, s.counterPath())
	if err != nil {
		_ = db.Close()
		atomic.StoreInt32(&s.connected, 0)
		return err
	}
	// Reservations are tiny autocommit writes; one connection keeps them
	// from contending with each other for the file lock.
	counters.SetMaxOpenConns(1)

	s.db, s.counters = db, counters
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		_ = counters.Close()
		s.db, s.counters = nil, nil
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to SQLite", "path", s.path, "counters", s.counterPath())
	return nil
}

func (s *Store) open(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", s.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable db pragma: %w", err)
		}
	}
	return db, nil
}

// Close closes both databases.
func (s *Store) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return errors.Join(s.db.Close(), s.counters.Close())
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			username TEXT NOT NULL,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			uid_validity INTEGER NOT NULL,
			modseq_enabled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (namespace, username, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			mailbox_id TEXT NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			uid INTEGER NOT NULL,
			modseq INTEGER NOT NULL DEFAULT 0,
			flags TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			internal_date TIMESTAMP NOT NULL,
			content_uri TEXT NOT NULL DEFAULT '',
			content BLOB,
			PRIMARY KEY (mailbox_id, uid)
		)`,
	}
	err := s.wrapTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.counters.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS counters (
		mailbox_id TEXT PRIMARY KEY,
		last_uid INTEGER NOT NULL DEFAULT 0,
		highest_modseq INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
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
	UIDValidity   uint32    `db:"uid_validity"`
	ModSeqEnabled bool      `db:"modseq_enabled"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *mailboxRow) toMailbox() *store.Mailbox {
	return &store.Mailbox{
		ID:            r.ID,
		Path:          store.MailboxPath{Namespace: r.Namespace, User: r.User, Name: r.Name},
		OwnerID:       r.OwnerID,
		UIDValidity:   r.UIDValidity,
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

	// The counter row goes first: a mailbox without one could not allocate.
	// A row left behind by a failed insert below belongs to no mailbox.
	if _, err := s.counters.ExecContext(ctx,
		`INSERT OR IGNORE INTO counters (mailbox_id) VALUES (?)`, mb.ID); err != nil {
		return nil, fmt.Errorf("insert counters: %w", err)
	}

	err := s.write(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO mailboxes (`+mailboxColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, mb.ID, mb.Path.Namespace, mb.Path.User, mb.Path.Name, mb.OwnerID,
			mb.UIDValidity, mb.ModSeqEnabled, mb.CreatedAt)
		return err
	})
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
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
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row mailboxRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id)
	if err != nil {
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
	err := sqlx.GetContext(ctx, s.reader(ctx), &row,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE namespace = ? AND username = ? AND name = ?`,
		path.Namespace, path.User, path.Name)
	if err != nil {
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
	if mailbox == nil || mailbox.ID == "" {
		return 0, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var n int64
	if err := sqlx.GetContext(ctx, s.reader(ctx), &n,
		`SELECT COUNT(*) FROM messages WHERE mailbox_id = ?`, mailbox.ID); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// =============================================================================
// Allocators
// =============================================================================

// LastUID returns the last UID handed out, including UIDs reserved by
// transactions that were rolled back.
func (s *Store) LastUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	var last uint32
	if err := s.readCounter(ctx, mailbox, "last_uid", &last); err != nil {
		return 0, err
	}
	return imap.UID(last), nil
}

// NextUID reserves the next UID. The reservation is committed in the counter
// database at once, whatever happens to the caller's transaction.
func (s *Store) NextUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	var uid uint32
	if err := s.bumpCounter(ctx, mailbox, "last_uid", &uid); err != nil {
		return 0, err
	}
	return imap.UID(uid), nil
}

func (s *Store) HighestModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	var highest uint64
	if err := s.readCounter(ctx, mailbox, "highest_modseq", &highest); err != nil {
		return 0, err
	}
	return highest, nil
}

// NextModSeq reserves the next modseq, committed like NextUID.
func (s *Store) NextModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	var modSeq uint64
	if err := s.bumpCounter(ctx, mailbox, "highest_modseq", &modSeq); err != nil {
		return 0, err
	}
	return modSeq, nil
}

func (s *Store) bumpCounter(ctx context.Context, mailbox *store.Mailbox, column string, dest any) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailbox == nil || mailbox.ID == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := sqlx.GetContext(ctx, s.counters, dest,
		`UPDATE counters SET `+column+` = `+column+` + 1 WHERE mailbox_id = ? RETURNING `+column,
		mailbox.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrMailboxNotFound
		}
		if isBusy(err) {
			return fmt.Errorf("next %s: %v: %w", column, err, store.ErrConflict)
		}
		return fmt.Errorf("next %s: %w", column, err)
	}
	return nil
}

func (s *Store) readCounter(ctx context.Context, mailbox *store.Mailbox, column string, dest any) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailbox == nil || mailbox.ID == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := sqlx.GetContext(ctx, s.counters, dest,
		`SELECT `+column+` FROM counters WHERE mailbox_id = ?`, mailbox.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrMailboxNotFound
		}
		return fmt.Errorf("read %s: %w", column, err)
	}
	return nil
}

// isConstraint reports whether err is the given SQLite constraint violation.
func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == code
	}
	return false
}

// isBusy reports whether err means another connection holds the database lock.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
