package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type messageDoc struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	MailboxID    string        `bson:"mailbox_id"`
	UID          int64         `bson:"uid"`
	ModSeq       int64         `bson:"modseq"`
	Flags        []string      `bson:"flags"`
	Size         int64         `bson:"size"`
	InternalDate time.Time     `bson:"internal_date"`
	ContentURI   string        `bson:"content_uri"`
	Content      []byte        `bson:"content,omitempty"`
}

func (d *messageDoc) toMessage() *store.Message {
	return &store.Message{
		MailboxID:    d.MailboxID,
		UID:          imap.UID(d.UID),
		ModSeq:       uint64(d.ModSeq),
		Flags:        store.FlagsFromStrings(d.Flags),
		Size:         d.Size,
		InternalDate: d.InternalDate,
		ContentURI:   d.ContentURI,
		Content:      d.Content,
	}
}

func messageFilter(mailboxID string, uid imap.UID) bson.M {
	return bson.M{"mailbox_id": mailboxID, "uid": int64(uid)}
}

var metaProjection = bson.M{"content": 0}

// Persist upserts msg: a new UID is inserted, a known one has its flags and
// modseq replaced.
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

	filter := messageFilter(mailbox.ID, msg.UID)
	if err := s.recordUndo(ctx, filter); err != nil {
		return store.MessageMetaData{}, err
	}

	update := bson.M{
		"$set": bson.M{
			"modseq": int64(msg.ModSeq),
			"flags":  msg.Flags.Strings(),
		},
		"$setOnInsert": bson.M{
			"size":          msg.Size,
			"internal_date": internalDate.Truncate(time.Millisecond),
			"content_uri":   msg.ContentURI,
			"content":       msg.Content,
		},
	}
	opts := mongoopts.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(mongoopts.After).
		SetProjection(metaProjection)

	var doc messageDoc
	if err := s.messages.FindOneAndUpdate(s.sessionCtx(ctx), filter, update, opts).Decode(&doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.MessageMetaData{}, fmt.Errorf("persist message: %w", store.ErrConflict)
		}
		return store.MessageMetaData{}, fmt.Errorf("persist message: %w", classify(err))
	}
	return doc.toMessage().MetaData(), nil
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

	doc := messageDoc{
		MailboxID:    mailbox.ID,
		UID:          int64(uid),
		ModSeq:       int64(modSeq),
		Flags:        src.Flags.Strings(),
		Size:         src.Size,
		InternalDate: src.InternalDate.Truncate(time.Millisecond),
		ContentURI:   src.ContentURI,
		Content:      src.Content,
	}

	if _, err := s.messages.InsertOne(s.sessionCtx(ctx), doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.MessageMetaData{}, store.ErrDuplicateEntry
		}
		return store.MessageMetaData{}, fmt.Errorf("copy message: %w", classify(err))
	}
	// Recorded after the insert: a failed insert left nothing to undo.
	if t := s.txFor(ctx); t != nil && t.session == nil {
		t.undo = append(t.undo, undoEntry{filter: messageFilter(mailbox.ID, uid)})
	}
	return doc.toMessage().MetaData(), nil
}

// FindInMailbox pages through rng in UID order.
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
	from, to := rng.Bounds()

	load := func(ctx context.Context, after uint32, limit int) ([]*store.Message, error) {
		if err := s.checkConnected(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()

		lower := int64(after) + 1
		if int64(from) > lower {
			lower = int64(from)
		}
		filter := bson.M{
			"mailbox_id": mailbox.ID,
			"uid":        bson.M{"$gte": lower, "$lte": int64(to)},
		}
		opts := mongoopts.Find().
			SetSort(bson.D{bson.E{Key: "uid", Value: 1}}).
			SetLimit(int64(limit))
		if fetch == store.FetchMetadata {
			opts.SetProjection(metaProjection)
		}

		cursor, err := s.messages.Find(s.sessionCtx(ctx), filter, opts)
		if err != nil {
			return nil, fmt.Errorf("find messages: %w", err)
		}
		var docs []messageDoc
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}

		out := make([]*store.Message, len(docs))
		for i := range docs {
			out[i] = docs[i].toMessage()
		}
		return out, nil
	}

	return store.NewBatchIterator(load, s.opts.batchSize), nil
}
