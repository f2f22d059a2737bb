package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultMailboxTable = "mailboxes"
	DefaultMessageTable = "messages"
	DefaultTimeout      = 10 * time.Second
	DefaultBatchSize    = 100
)

// options holds PostgreSQL store configuration.
type options struct {
	mailboxTable string
	messageTable string
	timeout      time.Duration
	batchSize    int
	logger       *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		mailboxTable: DefaultMailboxTable,
		messageTable: DefaultMessageTable,
		timeout:      DefaultTimeout,
		batchSize:    DefaultBatchSize,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL store.
type Option func(*options)

// WithMailboxTable sets the mailbox table name.
func WithMailboxTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.mailboxTable = name
		}
	}
}

// WithMessageTable sets the message table name.
func WithMessageTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.messageTable = name
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
