package redis

import "time"

// Default configuration values.
const (
	DefaultKeyPrefix = "mailstore:"
	DefaultTimeout   = 5 * time.Second
)

type options struct {
	keyPrefix string
	timeout   time.Duration
}

func newOptions(opts ...Option) *options {
	o := &options{
		keyPrefix: DefaultKeyPrefix,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Provider.
type Option func(*options)

// WithKeyPrefix sets the prefix of all counter keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}
