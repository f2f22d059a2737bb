// Package mongo provides a MongoDB implementation of store.Backend.
//
// Counters live on the mailbox document and are allocated with
// findOneAndUpdate/$inc outside any session, so reserved values stay
// consumed. Mutation scopes are multi-document transactions on replica sets
// and mongos. Standalone servers have no transactions; there a scope keeps an
// undo log and compensates on rollback.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Backend = (*Store)(nil)

// Store implements store.Backend using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	mailboxes *mongo.Collection
	messages  *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger

	// transactions is set on Connect when the server supports
	// multi-document transactions.
	transactions bool

	// scopes holds one channel per mailbox, held by an open Tx.
	scopes sync.Map // map[string]chan struct{}
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.mailboxes = s.db.Collection(s.opts.mailboxCollection)
	s.messages = s.db.Collection(s.opts.messageCollection)

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.transactions = s.detectTransactions(ctx)
	s.logger.Info("connected to MongoDB",
		"database", s.opts.database,
		"transactions", s.transactions)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.mailboxes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "namespace", Value: 1},
				bson.E{Key: "username", Value: 1},
				bson.E{Key: "name", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{bson.E{Key: "owner_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mailbox indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "mailbox_id", Value: 1},
				bson.E{Key: "uid", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{
			bson.E{Key: "mailbox_id", Value: 1},
			bson.E{Key: "modseq", Value: 1},
		}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

// detectTransactions reports whether the deployment is a replica set or a
// sharded cluster.
func (s *Store) detectTransactions(ctx context.Context) bool {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := s.db.RunCommand(ctx, bson.D{bson.E{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		s.logger.Warn("hello command failed, assuming standalone server", "error", err)
		return false
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid"
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func validMailbox(mailbox *store.Mailbox) error {
	if mailbox == nil || mailbox.ID == "" {
		return store.ErrInvalidID
	}
	return nil
}

// isConflict reports whether err is a transient write conflict.
func isConflict(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(112)
	}
	return false
}

func classify(err error) error {
	if isConflict(err) {
		return fmt.Errorf("%v: %w", err, store.ErrConflict)
	}
	return err
}

// =============================================================================
// Mailbox Operations
// =============================================================================

type mailboxDoc struct {
	ID            string    `bson:"_id"`
	Namespace     string    `bson:"namespace"`
	User          string    `bson:"username"`
	Name          string    `bson:"name"`
	OwnerID       string    `bson:"owner_id"`
	UIDValidity   int64     `bson:"uid_validity"`
	ModSeqEnabled bool      `bson:"modseq_enabled"`
	LastUID       int64     `bson:"last_uid"`
	HighestModSeq int64     `bson:"highest_modseq"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (d *mailboxDoc) toMailbox() *store.Mailbox {
	return &store.Mailbox{
		ID:            d.ID,
		Path:          store.MailboxPath{Namespace: d.Namespace, User: d.User, Name: d.Name},
		OwnerID:       d.OwnerID,
		UIDValidity:   uint32(d.UIDValidity),
		ModSeqEnabled: d.ModSeqEnabled,
		CreatedAt:     d.CreatedAt,
	}
}

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

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := mailboxDoc{
		ID:            uuid.New().String(),
		Namespace:     data.Path.Namespace,
		User:          data.Path.User,
		Name:          data.Path.Name,
		OwnerID:       data.OwnerID,
		UIDValidity:   int64(uidValidity(now)),
		ModSeqEnabled: data.ModSeqEnabled,
		CreatedAt:     now,
	}

	if _, err := s.mailboxes.InsertOne(s.sessionCtx(ctx), doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return doc.toMailbox(), nil
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
	return s.findMailbox(ctx, bson.M{"_id": id})
}

func (s *Store) MailboxByPath(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if path.Namespace == "" {
		path.Namespace = store.DefaultNamespace
	}
	return s.findMailbox(ctx, bson.M{
		"namespace": path.Namespace,
		"username":  path.User,
		"name":      path.Name,
	})
}

func (s *Store) findMailbox(ctx context.Context, filter bson.M) (*store.Mailbox, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc mailboxDoc
	if err := s.mailboxes.FindOne(s.sessionCtx(ctx), filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("find mailbox: %w", err)
	}
	return doc.toMailbox(), nil
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

	n, err := s.messages.CountDocuments(s.sessionCtx(ctx), bson.M{"mailbox_id": mailbox.ID})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// =============================================================================
// Allocators
// =============================================================================

func (s *Store) LastUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	doc, err := s.readCounters(ctx, mailbox)
	if err != nil {
		return 0, err
	}
	return imap.UID(doc.LastUID), nil
}

// NextUID reserves the next UID. It never joins the caller's transaction.
func (s *Store) NextUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	doc, err := s.bumpCounter(ctx, mailbox, "last_uid")
	if err != nil {
		return 0, err
	}
	return imap.UID(doc.LastUID), nil
}

func (s *Store) HighestModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	doc, err := s.readCounters(ctx, mailbox)
	if err != nil {
		return 0, err
	}
	return uint64(doc.HighestModSeq), nil
}

// NextModSeq reserves the next modseq. It never joins the caller's transaction.
func (s *Store) NextModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	doc, err := s.bumpCounter(ctx, mailbox, "highest_modseq")
	if err != nil {
		return 0, err
	}
	return uint64(doc.HighestModSeq), nil
}

var counterProjection = bson.M{"last_uid": 1, "highest_modseq": 1}

func (s *Store) readCounters(ctx context.Context, mailbox *store.Mailbox) (*mailboxDoc, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc mailboxDoc
	opts := mongoopts.FindOne().SetProjection(counterProjection)
	if err := s.mailboxes.FindOne(ctx, bson.M{"_id": mailbox.ID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("read counters: %w", err)
	}
	return &doc, nil
}

func (s *Store) bumpCounter(ctx context.Context, mailbox *store.Mailbox, field string) (*mailboxDoc, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	opts := mongoopts.FindOneAndUpdate().
		SetReturnDocument(mongoopts.After).
		SetProjection(counterProjection)

	var doc mailboxDoc
	err := s.mailboxes.FindOneAndUpdate(ctx,
		bson.M{"_id": mailbox.ID},
		bson.M{"$inc": bson.M{field: int64(1)}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("bump %s: %w", field, classify(err))
	}
	return &doc, nil
}
