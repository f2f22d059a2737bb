package sqlite

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultBusyTimeout = 5 * time.Second
	DefaultBatchSize   = 100
)

// options holds SQLite store configuration.
type options struct {
	timeout     time.Duration
	busyTimeout time.Duration
	batchSize   int
	counterPath string
	logger      *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		timeout:     DefaultTimeout,
		busyTimeout: DefaultBusyTimeout,
		batchSize:   DefaultBatchSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a SQLite store.
type Option func(*options)

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked database file
// before failing with SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
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

// WithCounterPath sets the file holding UID and modseq counters.
// Default is the database path with a ".counters" suffix.
func WithCounterPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.counterPath = path
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
