package mailstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	blobotel "github.com/rbaliyan/mailstore/store/blob/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// Service is the entry point used by protocol servers. It runs every
// mutation inside RunInTransaction, retries allocation failures and write
// conflicts with fresh reservations, keeps content in the blob store when
// one is configured, and publishes events after commit.
type Service struct {
	backend  store.Backend
	blobs    store.BlobStore
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins  *pluginRegistry
	otel     *otelInstrumentation
	opSem    *semaphore.Weighted // bounds in-flight mutations
	eventBus *event.Bus
	events   *ServiceEvents

	tracked   *MessageMapper // mailboxes with ModSeqEnabled
	untracked *MessageMapper
}

// AppendRequest describes a message to append.
type AppendRequest struct {
	Flags store.Flags
	// InternalDate defaults to the current time.
	InternalDate time.Time
	Content      []byte
}

// MailboxStatus holds the counters a STATUS or SELECT response needs.
type MailboxStatus struct {
	MailboxID     string
	Messages      int64
	UIDNext       imap.UID
	UIDValidity   uint32
	ModSeqEnabled bool
	HighestModSeq uint64 // zero unless ModSeqEnabled
}

// NewService creates a new service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (*Service, error) {
	o := newOptions(opts...)

	if o.backend == nil {
		return nil, ErrStoreRequired
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	var uids store.UIDProvider = o.backend
	if o.uidProvider != nil {
		uids = o.uidProvider
	}
	var modSeqs store.ModSeqProvider = o.backend
	if o.modSeqProvider != nil {
		modSeqs = o.modSeqProvider
	}

	blobs := o.blobs
	if blobs != nil && (o.tracingEnabled || o.metricsEnabled) {
		blobOpts := []blobotel.Option{
			blobotel.WithAttributes(attribute.String("service.name", o.serviceName)),
		}
		if o.tracingEnabled {
			tp := o.tracerProvider
			if tp == nil {
				tp = otel.GetTracerProvider()
			}
			blobOpts = append(blobOpts, blobotel.WithTracerProvider(tp))
		}
		if o.metricsEnabled {
			mp := o.meterProvider
			if mp == nil {
				mp = otel.GetMeterProvider()
			}
			blobOpts = append(blobOpts, blobotel.WithMeterProvider(mp))
		}
		if blobs, err = blobotel.New(o.blobs, blobOpts...); err != nil {
			return nil, fmt.Errorf("init blob otel: %w", err)
		}
	}

	return &Service{
		backend:   o.backend,
		blobs:     blobs,
		logger:    o.logger,
		opts:      o,
		plugins:   plugins,
		otel:      otelInstr,
		opSem:     semaphore.NewWeighted(int64(o.maxConcurrentOps)),
		tracked:   NewMessageMapper(o.backend, uids, WithModSeq(modSeqs)),
		untracked: NewMessageMapper(o.backend, uids, WithoutModSeq()),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
// Nil before Connect.
func (s *Service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *Service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *Service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.backend.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		s.backend.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		s.eventBus.Close(ctx)
		s.backend.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mailstore service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates the service's own bus and binds its events to it.
func (s *Service) initEventBus(ctx context.Context) error {
	busName := fmt.Sprintf("%s-%d", s.opts.serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close waits for in-flight mutations, up to the shutdown timeout, then
// closes plugins, the event bus and the backend.
func (s *Service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.opSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentOps)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.opSem.Release(int64(s.opts.maxConcurrentOps))
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// acquire takes an operation slot. The returned func releases it.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := s.opSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.opSem.Release(1) }, nil
}

// mapperFor returns the mapper matching the mailbox's modseq setting.
func (s *Service) mapperFor(mb *store.Mailbox) *MessageMapper {
	if mb.ModSeqEnabled {
		return s.tracked
	}
	return s.untracked
}

// withRetry runs a whole transactional operation, retrying it with fresh
// reservations while it fails with a retryable error.
func withRetry[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := s.opts.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		s.otel.recordRetry(ctx, op)
		s.logger.Debug("retrying operation",
			"operation", op, "attempt", attempt, "backoff", backoff, "error", err)
	}

	result, err := retry.DoWithResult(ctx, cfg, fn)
	if err != nil {
		var re *retry.RetryError
		if errors.As(err, &re) && errors.Is(re.Err, retry.ErrNotRetryable) {
			err = re.Cause
		}
		var zero T
		return zero, err
	}
	return result, nil
}

// =============================================================================
// Mailboxes
// =============================================================================

// CreateMailbox creates a mailbox. modSeqEnabled turns on CONDSTORE tracking.
func (s *Service) CreateMailbox(ctx context.Context, path store.MailboxPath, ownerID string, modSeqEnabled bool) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.backend.CreateMailbox(ctx, store.MailboxData{
		Path:          path,
		OwnerID:       ownerID,
		ModSeqEnabled: modSeqEnabled,
	})
}

// GetMailbox returns a mailbox by ID.
func (s *Service) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.backend.GetMailbox(ctx, id)
}

// MailboxByPath returns a mailbox by path.
func (s *Service) MailboxByPath(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.backend.MailboxByPath(ctx, path)
}

// Status returns the mailbox counters.
func (s *Service) Status(ctx context.Context, mailboxID string) (*MailboxStatus, error) {
	mb, err := s.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	mapper := s.mapperFor(mb)

	count, err := s.backend.CountMessages(ctx, mb)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	lastUID, err := mapper.LastUID(ctx, mb)
	if err != nil {
		return nil, fmt.Errorf("last uid: %w", err)
	}
	modSeq, enabled, err := mapper.HighestModSeq(ctx, mb)
	if err != nil {
		return nil, fmt.Errorf("highest modseq: %w", err)
	}

	return &MailboxStatus{
		MailboxID:     mb.ID,
		Messages:      count,
		UIDNext:       lastUID + 1,
		UIDValidity:   mb.UIDValidity,
		ModSeqEnabled: enabled,
		HighestModSeq: modSeq,
	}, nil
}

// =============================================================================
// Messages
// =============================================================================

// Append stores a new message in the mailbox.
func (s *Service) Append(ctx context.Context, mailboxID string, req AppendRequest) (md store.MessageMetaData, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "mailstore.append",
		attribute.String("mailbox.id", mailboxID),
		attribute.Int("message.size", len(req.Content)),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		s.otel.record(ctx, &s.otel.append, time.Since(start), err)
	}()

	if err := ValidateContent(req.Content, s.opts.maxMessageSize); err != nil {
		return store.MessageMetaData{}, err
	}
	if err := ValidateFlags(req.Flags); err != nil {
		return store.MessageMetaData{}, err
	}

	mb, err := s.backend.GetMailbox(ctx, mailboxID)
	if err != nil {
		return store.MessageMetaData{}, err
	}

	msg := &store.Message{
		MailboxID:    mb.ID,
		Flags:        req.Flags,
		Size:         int64(len(req.Content)),
		InternalDate: req.InternalDate,
	}
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now().UTC()
	}

	if err := s.plugins.beforeAppend(ctx, mb, msg); err != nil {
		return store.MessageMetaData{}, err
	}

	if s.blobs != nil {
		uri, err := s.blobs.Upload(ctx, DefaultContentType, bytes.NewReader(req.Content))
		if err != nil {
			return store.MessageMetaData{}, fmt.Errorf("upload content: %w", err)
		}
		msg.ContentURI = uri
	} else {
		msg.Content = req.Content
	}

	mapper := s.mapperFor(mb)
	md, err = withRetry(ctx, s, "append", func(ctx context.Context) (store.MessageMetaData, error) {
		return RunInTransactionResult(ctx, s.backend, mb, func(ctx context.Context) (store.MessageMetaData, error) {
			return mapper.Append(ctx, mb, msg)
		})
	})
	if err != nil {
		if msg.ContentURI != "" {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), msg.ContentURI); derr != nil {
				s.logger.Warn("failed to delete content of failed append",
					"mailbox_id", mb.ID, "uri", msg.ContentURI, "error", derr)
			}
		}
		return store.MessageMetaData{}, err
	}

	s.plugins.afterAppend(ctx, mb, md)

	return md, publish(ctx, s, "MessageAppended", s.events.MessageAppended, mb.ID, MessageAppendedEvent{
		MailboxID:  mb.ID,
		UID:        uint32(md.UID),
		ModSeq:     md.ModSeq,
		Size:       md.Size,
		AppendedAt: time.Now().UTC(),
	})
}

// Copy duplicates message uid of the source mailbox into the destination
// mailbox. Content stored in a blob store is shared by both messages.
func (s *Service) Copy(ctx context.Context, srcMailboxID string, uid imap.UID, dstMailboxID string) (md store.MessageMetaData, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "mailstore.copy",
		attribute.String("mailbox.source_id", srcMailboxID),
		attribute.String("mailbox.id", dstMailboxID),
		attribute.Int64("message.uid", int64(uid)),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		s.otel.record(ctx, &s.otel.copy, time.Since(start), err)
	}()

	src, err := s.backend.GetMailbox(ctx, srcMailboxID)
	if err != nil {
		return store.MessageMetaData{}, fmt.Errorf("source mailbox: %w", err)
	}
	dst, err := s.backend.GetMailbox(ctx, dstMailboxID)
	if err != nil {
		return store.MessageMetaData{}, fmt.Errorf("destination mailbox: %w", err)
	}
	msg, err := s.findOne(ctx, src, uid, store.FetchFull)
	if err != nil {
		return store.MessageMetaData{}, err
	}

	mapper := s.mapperFor(dst)
	md, err = withRetry(ctx, s, "copy", func(ctx context.Context) (store.MessageMetaData, error) {
		return RunInTransactionResult(ctx, s.backend, dst, func(ctx context.Context) (store.MessageMetaData, error) {
			return mapper.Copy(ctx, dst, msg)
		})
	})
	if err != nil {
		return store.MessageMetaData{}, err
	}

	return md, publish(ctx, s, "MessageCopied", s.events.MessageCopied, dst.ID, MessageCopiedEvent{
		SourceMailboxID: src.ID,
		SourceUID:       uint32(uid),
		MailboxID:       dst.ID,
		UID:             uint32(md.UID),
		ModSeq:          md.ModSeq,
		CopiedAt:        time.Now().UTC(),
	})
}

// UpdateFlags applies update to the messages in rng, all or nothing.
// Records are returned in UID order, one per message in the range.
func (s *Service) UpdateFlags(ctx context.Context, mailboxID string, update store.FlagsUpdate, rng store.MessageRange) ([]store.UpdatedFlags, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	return s.updateFlags(ctx, mailboxID, update, func(context.Context, *store.Mailbox) ([]store.MessageRange, error) {
		return []store.MessageRange{rng}, nil
	})
}

// UpdateFlagsSet is UpdateFlags for an IMAP UID set. "*" resolves to the
// last UID inside the transaction. The whole set is one request and its
// changed messages share one modseq.
func (s *Service) UpdateFlagsSet(ctx context.Context, mailboxID string, update store.FlagsUpdate, set imap.UIDSet) ([]store.UpdatedFlags, error) {
	return s.updateFlags(ctx, mailboxID, update, func(ctx context.Context, mb *store.Mailbox) ([]store.MessageRange, error) {
		lastUID, err := s.mapperFor(mb).LastUID(ctx, mb)
		if err != nil {
			return nil, fmt.Errorf("last uid: %w", err)
		}
		return store.RangesFromUIDSet(set, lastUID)
	})
}

type rangeResolver func(ctx context.Context, mb *store.Mailbox) ([]store.MessageRange, error)

func (s *Service) updateFlags(ctx context.Context, mailboxID string, update store.FlagsUpdate, resolve rangeResolver) (records []store.UpdatedFlags, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "mailstore.update_flags",
		attribute.String("mailbox.id", mailboxID),
		attribute.String("flags.mode", update.Mode.String()),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		s.otel.record(ctx, &s.otel.flags, time.Since(start), err,
			attribute.String("mode", update.Mode.String()))
	}()

	if err := ValidateFlagsUpdate(update); err != nil {
		return nil, err
	}
	mb, err := s.backend.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	mapper := s.mapperFor(mb)

	records, err = withRetry(ctx, s, "update_flags", func(ctx context.Context) ([]store.UpdatedFlags, error) {
		return RunInTransactionResult(ctx, s.backend, mb, func(ctx context.Context) ([]store.UpdatedFlags, error) {
			ranges, err := resolve(ctx, mb)
			if err != nil {
				return nil, err
			}
			it, err := mapper.UpdateFlagsRanges(ctx, mb, update, ranges)
			if err != nil {
				return nil, err
			}
			return it.All(ctx)
		})
	})
	if err != nil {
		return nil, err
	}

	var (
		uids   []uint32
		modSeq uint64
	)
	for _, r := range records {
		if r.Changed() {
			uids = append(uids, uint32(r.UID()))
			modSeq = max(modSeq, r.ModSeq())
		}
	}
	s.otel.recordChanged(ctx, len(uids))
	if len(uids) == 0 {
		return records, nil
	}

	return records, publish(ctx, s, "FlagsUpdated", s.events.FlagsUpdated, mb.ID, FlagsUpdatedEvent{
		MailboxID: mb.ID,
		ModSeq:    modSeq,
		UIDs:      uids,
		UpdatedAt: time.Now().UTC(),
	})
}

// LoadContent returns the raw content of a message. Caller closes the reader.
func (s *Service) LoadContent(ctx context.Context, mailboxID string, uid imap.UID) (io.ReadCloser, error) {
	mb, err := s.GetMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	msg, err := s.findOne(ctx, mb, uid, store.FetchFull)
	if err != nil {
		return nil, err
	}
	if msg.ContentURI != "" && s.blobs != nil {
		return s.blobs.Load(ctx, msg.ContentURI)
	}
	return io.NopCloser(bytes.NewReader(msg.Content)), nil
}

// findOne loads a single message.
func (s *Service) findOne(ctx context.Context, mb *store.Mailbox, uid imap.UID, fetch store.FetchType) (*store.Message, error) {
	it, err := s.backend.FindInMailbox(ctx, mb, store.One(uid), fetch)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	ok, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	return it.Message()
}
