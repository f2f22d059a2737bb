package mailstore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	DefaultMaxMessageSize   = 50 * 1024 * 1024 // 50 MB
	DefaultMaxConcurrentOps = 64               // max in-flight mutations per service
	DefaultContentType      = "message/rfc822"
)

// options holds service configuration.
type options struct {
	backend store.Backend
	logger  *slog.Logger

	// Allocators. Default to the backend.
	uidProvider    store.UIDProvider
	modSeqProvider store.ModSeqProvider

	blobs store.BlobStore

	plugins []Plugin

	maxMessageSize   int64
	maxConcurrentOps int
	shutdownTimeout  time.Duration

	retry retry.Config

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc // always set
}

// EventPublishFailureFunc is called when an event fails to publish.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:           slog.Default(),
		maxMessageSize:   DefaultMaxMessageSize,
		maxConcurrentOps: DefaultMaxConcurrentOps,
		shutdownTimeout:  DefaultShutdownTimeout,
		serviceName:      "mailstore",
		retry:            retry.DefaultConfig(),
	}
	o.retry.IsRetryable = IsRetryableError
	for _, opt := range opts {
		opt(o)
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}
	return o
}

// Option configures a Service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(b store.Backend) Option {
	return func(o *options) {
		if b != nil {
			o.backend = b
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

// WithUIDProvider replaces the backend's UID allocator, e.g. with store/redis.
func WithUIDProvider(p store.UIDProvider) Option {
	return func(o *options) {
		if p != nil {
			o.uidProvider = p
		}
	}
}

// WithModSeqProvider replaces the backend's modseq allocator.
func WithModSeqProvider(p store.ModSeqProvider) Option {
	return func(o *options) {
		if p != nil {
			o.modSeqProvider = p
		}
	}
}

// WithBlobStore keeps message content in b. Appended content is uploaded
// before the append transaction and only its URI is persisted.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// --- Plugin Options ---

// WithPlugin registers a plugin with the service.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Limits ---

// WithMaxMessageSize sets the maximum size of appended content in bytes.
// Default is 50 MB.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithMaxConcurrentOps sets how many mutations may run at once.
// Default is 64.
func WithMaxConcurrentOps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentOps = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// operations. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// WithRetry sets the retry policy for allocation failures and write
// conflicts. A nil cfg.IsRetryable keeps IsRetryableError.
// Set MaxRetries to 0 to disable retries.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		if cfg.IsRetryable == nil {
			cfg.IsRetryable = IsRetryableError
		}
		o.retry = cfg
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and the event bus.
// Default is "mailstore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal makes event publishing failures fail the operation
// with an *EventPublishError. The mutation itself is already committed.
// By default failures are only reported to the failure handler.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes events through Redis Streams.
// Ignored when WithEventTransport is also given.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
