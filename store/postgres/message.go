package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

type messageRow struct {
	MailboxID    string         `db:"mailbox_id"`
	UID          int64          `db:"uid"`
	ModSeq       int64          `db:"modseq"`
	Flags        pq.StringArray `db:"flags"`
	Size         int64          `db:"size"`
	InternalDate time.Time      `db:"internal_date"`
	ContentURI   string         `db:"content_uri"`
	Content      []byte         `db:"content"`
}

func (r *messageRow) toMessage() *store.Message {
	return &store.Message{
		MailboxID:    r.MailboxID,
		UID:          imap.UID(r.UID),
		ModSeq:       uint64(r.ModSeq),
		Flags:        store.FlagsFromStrings(r.Flags),
		Size:         r.Size,
		InternalDate: r.InternalDate,
		ContentURI:   r.ContentURI,
		Content:      r.Content,
	}
}

type metaRow struct {
	UID          int64          `db:"uid"`
	ModSeq       int64          `db:"modseq"`
	Flags        pq.StringArray `db:"flags"`
	Size         int64          `db:"size"`
	InternalDate time.Time      `db:"internal_date"`
}

func (r *metaRow) toMetaData() store.MessageMetaData {
	return store.MessageMetaData{
		UID:          imap.UID(r.UID),
		ModSeq:       uint64(r.ModSeq),
		Flags:        store.FlagsFromStrings(r.Flags),
		Size:         r.Size,
		InternalDate: r.InternalDate,
	}
}

const metaColumns = `uid, modseq, flags, size, internal_date`

// Persist inserts msg, or updates flags and modseq when its UID exists.
func (s *Store) Persist(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if err := validMailbox(mailbox); err != nil {
		return store.MessageMetaData{}, err
	}
	if msg == nil || msg.UID == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	internalDate := msg.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, uid, modseq, flags, size, internal_date, content_uri, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (mailbox_id, uid) DO UPDATE SET
			modseq = EXCLUDED.modseq,
			flags = EXCLUDED.flags
		RETURNING `+metaColumns,
		s.opts.messageTable)

	var row metaRow
	err := sqlx.GetContext(ctx, s.execer(ctx), &row, query,
		mailbox.ID, int64(msg.UID), int64(msg.ModSeq), pq.Array(msg.Flags.Strings()),
		msg.Size, internalDate, msg.ContentURI, msg.Content)
	if err != nil {
		return store.MessageMetaData{}, fmt.Errorf("persist message: %w", classify(err))
	}
	return row.toMetaData(), nil
}

// PersistCopy inserts a duplicate of src. Returns ErrDuplicateEntry if uid is taken.
func (s *Store) PersistCopy(ctx context.Context, mailbox *store.Mailbox, uid imap.UID, modSeq uint64, src *store.Message) (store.MessageMetaData, error) {
	if err := s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	if err := validMailbox(mailbox); err != nil {
		return store.MessageMetaData{}, err
	}
	if src == nil || uid == 0 {
		return store.MessageMetaData{}, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, uid, modseq, flags, size, internal_date, content_uri, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+metaColumns,
		s.opts.messageTable)

	var row metaRow
	err := sqlx.GetContext(ctx, s.execer(ctx), &row, query,
		mailbox.ID, int64(uid), int64(modSeq), pq.Array(src.Flags.Strings()),
		src.Size, src.InternalDate, src.ContentURI, src.Content)
	if err != nil {
		if classified := classify(err); classified == store.ErrDuplicateEntry || classified == store.ErrMailboxNotFound {
			return store.MessageMetaData{}, classified
		}
		return store.MessageMetaData{}, fmt.Errorf("copy message: %w", classify(err))
	}
	return row.toMetaData(), nil
}

// FindInMailbox pages through rng in UID order. Pages are read in full so
// the Next context may carry a transaction used for other statements.
func (s *Store) FindInMailbox(_ context.Context, mailbox *store.Mailbox, rng store.MessageRange, fetch store.FetchType) (store.MessageIterator, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	content := "NULL::BYTEA AS content"
	if fetch == store.FetchFull {
		content = "content"
	}
	query := fmt.Sprintf(`
		SELECT mailbox_id, uid, modseq, flags, size, internal_date, content_uri, %s
		FROM %s
		WHERE mailbox_id = $1 AND uid > $2 AND uid BETWEEN $3 AND $4
		ORDER BY uid
		LIMIT $5
	`, content, s.opts.messageTable)
	from, to := rng.Bounds()

	load := func(ctx context.Context, after uint32, limit int) ([]*store.Message, error) {
		if err := s.checkConnected(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()

		var rows []messageRow
		if err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, query,
			mailbox.ID, int64(after), int64(from), int64(to), limit); err != nil {
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
