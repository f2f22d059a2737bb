package mailstore

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store/memory"
)

func TestDefaultOptions(t *testing.T) {
	o := newOptions()

	if o.maxMessageSize != DefaultMaxMessageSize {
		t.Errorf("expected max message size %d, got %d", DefaultMaxMessageSize, o.maxMessageSize)
	}
	if o.maxConcurrentOps != DefaultMaxConcurrentOps {
		t.Errorf("expected max concurrent ops %d, got %d", DefaultMaxConcurrentOps, o.maxConcurrentOps)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected shutdown timeout %v, got %v", DefaultShutdownTimeout, o.shutdownTimeout)
	}
	if o.serviceName != "mailstore" {
		t.Errorf("expected service name mailstore, got %s", o.serviceName)
	}
	if o.retry.MaxRetries != retry.DefaultConfig().MaxRetries {
		t.Errorf("expected default retries, got %d", o.retry.MaxRetries)
	}
	if o.retry.IsRetryable == nil || !o.retry.IsRetryable(&AllocationError{Err: errBoom}) {
		t.Error("expected IsRetryableError as default classifier")
	}
	if o.onEventPublishFailure == nil || o.logger == nil {
		t.Error("expected logger and failure handler defaults")
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	o := newOptions(
		WithStore(nil),
		WithLogger(nil),
		WithUIDProvider(nil),
		WithModSeqProvider(nil),
		WithBlobStore(nil),
		WithPlugin(nil),
		WithMaxMessageSize(0),
		WithMaxConcurrentOps(-1),
		WithShutdownTimeout(10*time.Millisecond),
		WithServiceName(""),
		WithTracerProvider(nil),
		WithMeterProvider(nil),
		WithEventTransport(nil),
		WithRedisClient(nil),
		WithEventPublishFailureHandler(nil),
	)

	if o.backend != nil || o.uidProvider != nil || o.modSeqProvider != nil || o.blobs != nil {
		t.Error("expected nil components to be ignored")
	}
	if len(o.plugins) != 0 {
		t.Errorf("expected no plugins, got %d", len(o.plugins))
	}
	if o.maxMessageSize != DefaultMaxMessageSize || o.maxConcurrentOps != DefaultMaxConcurrentOps {
		t.Error("expected limits to keep defaults")
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected timeout below minimum ignored, got %v", o.shutdownTimeout)
	}
	if o.serviceName != "mailstore" || o.logger == nil || o.onEventPublishFailure == nil {
		t.Error("expected defaults kept")
	}
}

func TestOptionsApply(t *testing.T) {
	b := memory.New()
	logger := slog.Default().With("component", "test")
	o := newOptions(
		WithStore(b),
		WithLogger(logger),
		WithUIDProvider(b),
		WithModSeqProvider(b),
		WithMaxMessageSize(1024),
		WithMaxConcurrentOps(2),
		WithShutdownTimeout(5*time.Second),
		WithRetry(retry.Config{MaxRetries: 1}),
		WithOTel(true),
		WithServiceName("imapd"),
		WithEventErrorsFatal(true),
	)

	if o.backend != b || o.logger != logger || o.uidProvider == nil || o.modSeqProvider == nil {
		t.Error("expected components to be set")
	}
	if o.maxMessageSize != 1024 || o.maxConcurrentOps != 2 || o.shutdownTimeout != 5*time.Second {
		t.Errorf("unexpected limits %d/%d/%v", o.maxMessageSize, o.maxConcurrentOps, o.shutdownTimeout)
	}
	if o.retry.MaxRetries != 1 || o.retry.IsRetryable == nil {
		t.Error("expected retry config with default classifier")
	}
	if !o.tracingEnabled || !o.metricsEnabled || o.serviceName != "imapd" || !o.eventErrorsFatal {
		t.Error("expected telemetry and event options set")
	}
}

func TestSafeEventPublishFailure(t *testing.T) {
	var got string
	o := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
		got = name
		panic("handler bug")
	}))

	// Must not propagate the panic.
	o.safeEventPublishFailure("MessageAppended", errors.New("down"))
	if got != "MessageAppended" {
		t.Errorf("expected handler called with MessageAppended, got %q", got)
	}
}
