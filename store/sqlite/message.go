package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/mailstore/store"
)

type messageRow struct {
	MailboxID    string    `db:"mailbox_id"`
	UID          uint32    `db:"uid"`
	ModSeq       uint64    `db:"modseq"`
	Flags        string    `db:"flags"`
	Size         int64     `db:"size"`
	InternalDate time.Time `db:"internal_date"`
	ContentURI   string    `db:"content_uri"`
	Content      []byte    `db:"content"`
}

func (r *messageRow) toMessage() *store.Message {
	return &store.Message{
		MailboxID:    r.MailboxID,
		UID:          imap.UID(r.UID),
		ModSeq:       r.ModSeq,
		Flags:        decodeFlags(r.Flags),
		Size:         r.Size,
		InternalDate: r.InternalDate,
		ContentURI:   r.ContentURI,
		Content:      r.Content,
	}
}

func (r *messageRow) toMetaData() store.MessageMetaData {
	return store.MessageMetaData{
		UID:          imap.UID(r.UID),
		ModSeq:       r.ModSeq,
		Flags:        decodeFlags(r.Flags),
		Size:         r.Size,
		InternalDate: r.InternalDate,
	}
}

// Flags are stored space separated; flag atoms cannot contain spaces.
func encodeFlags(f store.Flags) string {
	return strings.Join(f.Strings(), " ")
}

func decodeFlags(s string) store.Flags {
	return store.FlagsFromStrings(strings.Fields(s))
}

const metaColumns = `uid, modseq, flags, size, internal_date`

// Persist inserts msg, or updates flags and modseq when its UID exists.
func (s *Store) Persist(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if mailbox == nil || mailbox.ID == "" || msg == nil || msg.UID == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	internalDate := msg.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now().UTC()
	}

	var row messageRow
	err := s.write(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.GetContext(ctx, q, &row, `
			INSERT INTO messages (mailbox_id, uid, modseq, flags, size, internal_date, content_uri, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (mailbox_id, uid) DO UPDATE SET
				modseq = excluded.modseq,
				flags = excluded.flags
			RETURNING `+metaColumns,
			mailbox.ID, uint32(msg.UID), msg.ModSeq, encodeFlags(msg.Flags), msg.Size,
			internalDate, msg.ContentURI, msg.Content)
	})
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return store.MessageMetaData{}, store.ErrMailboxNotFound
		}
		return store.MessageMetaData{}, fmt.Errorf("persist message: %w", err)
	}
	return row.toMetaData(), nil
}

// PersistCopy inserts a duplicate of src. Returns ErrDuplicateEntry if uid is taken.
func (s *Store) PersistCopy(ctx context.Context, mailbox *store.Mailbox, uid imap.UID, modSeq uint64, src *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if mailbox == nil || mailbox.ID == "" || src == nil || uid == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var row messageRow
	err := s.write(ctx, func(ctx context.Context, q sqlx.ExtContext) error {
		return sqlx.GetContext(ctx, q, &row, `
			INSERT INTO messages (mailbox_id, uid, modseq, flags, size, internal_date, content_uri, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+metaColumns,
			mailbox.ID, uint32(uid), modSeq, encodeFlags(src.Flags), src.Size,
			src.InternalDate, src.ContentURI, src.Content)
	})
	if err != nil {
		switch {
		case isConstraint(err, sqlite3.ErrConstraintPrimaryKey), isConstraint(err, sqlite3.ErrConstraintUnique):
			return store.MessageMetaData{}, store.ErrDuplicateEntry
		case isConstraint(err, sqlite3.ErrConstraintForeignKey):
			return store.MessageMetaData{}, store.ErrMailboxNotFound
		}
		return store.MessageMetaData{}, fmt.Errorf("copy message: %w", err)
	}
	return row.toMetaData(), nil
}

// FindInMailbox pages through rng in UID order. Each page is read in full
// before it is returned, so a transaction carried by the Next context can be
// used for other statements between pages.
func (s *Store) FindInMailbox(_ context.Context, mailbox *store.Mailbox, rng store.MessageRange, fetch store.FetchType) (store.MessageIterator, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if mailbox == nil || mailbox.ID == "" {
		return nil, store.ErrInvalidID
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	content := "NULL AS content"
	if fetch == store.FetchFull {
		content = "content"
	}
	query := `
		SELECT mailbox_id, uid, modseq, flags, size, internal_date, content_uri, ` + content + `
		FROM messages
		WHERE mailbox_id = ? AND uid > ? AND uid >= ? AND uid <= ?
		ORDER BY uid
		LIMIT ?`
	from, to := rng.Bounds()

	load := func(ctx context.Context, after uint32, limit int) ([]*store.Message, error) {
		if err := s.checkConnected(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()

		var rows []messageRow
		if err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, query,
			mailbox.ID, after, uint32(from), uint32(to), limit); err != nil {
			return nil, fmt.Errorf("find messages: %w", err)
		}
		out := make([]*store.Message, len(rows))
		for i := range rows {
			out[i] = rows[i].toMessage()
		}
		return out, nil
	}

	return store.NewBatchIterator(load, s.opts.batchSize), nil
}
