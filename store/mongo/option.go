package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase          = "mailstore"
	DefaultMailboxCollection = "mailboxes"
	DefaultMessageCollection = "messages"
	DefaultTimeout           = 10 * time.Second
	DefaultBatchSize         = 100
)

// options holds MongoDB store configuration.
type options struct {
	database          string
	mailboxCollection string
	messageCollection string
	timeout           time.Duration
	batchSize         int
	logger            *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:          DefaultDatabase,
		mailboxCollection: DefaultMailboxCollection,
		messageCollection: DefaultMessageCollection,
		timeout:           DefaultTimeout,
		batchSize:         DefaultBatchSize,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithMailboxCollection sets the mailbox collection name.
func WithMailboxCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.mailboxCollection = name
		}
	}
}

// WithMessageCollection sets the message collection name.
func WithMessageCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.messageCollection = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBatchSize sets the page size used by message iterators.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
