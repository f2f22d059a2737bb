// Package otel provides OpenTelemetry instrumentation for blob stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailstore/store/blob/otel"

// opMetrics are the instruments of one blob operation.
type opMetrics struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
	bytes    metric.Int64Counter // nil for delete
}

// Store wraps a BlobStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.BlobStore
	tracer  trace.Tracer // nil when tracing is off
	meter   metric.Meter // nil when metrics are off
	attrs   []attribute.KeyValue

	upload opMetrics
	load   opMetrics
	delete opMetrics
}

var _ store.BlobStore = (*Store)(nil)

// Option configures the instrumented store. Nothing is recorded until a
// provider is given.
type Option func(*Store)

// WithTracerProvider records a client span for every blob operation.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider records duration, count, error and byte metrics per
// blob operation.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Store) {
		if mp != nil {
			s.meter = mp.Meter(instrumentationName)
		}
	}
}

// WithAttributes adds attrs to every span and metric, e.g. the service
// name or which blob backend is wrapped.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(s *Store) {
		s.attrs = append(s.attrs, attrs...)
	}
}

// New creates an instrumented store wrapping backend.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	s := &Store{backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter != nil {
		var err error
		if s.upload, err = newOpMetrics(s.meter, "upload", true); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if s.load, err = newOpMetrics(s.meter, "load", true); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if s.delete, err = newOpMetrics(s.meter, "delete", false); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

// with returns attrs followed by the store attributes.
func (s *Store) with(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return append(attrs, s.attrs...)
}

func newOpMetrics(meter metric.Meter, op string, withBytes bool) (opMetrics, error) {
	var m opMetrics
	var err error

	m.duration, err = meter.Float64Histogram(
		"blob."+op+".duration",
		metric.WithDescription("Duration of blob "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return m, err
	}
	m.count, err = meter.Int64Counter(
		"blob."+op+".count",
		metric.WithDescription("Number of blob "+op+" operations"),
	)
	if err != nil {
		return m, err
	}
	m.errors, err = meter.Int64Counter(
		"blob."+op+".errors",
		metric.WithDescription("Number of blob "+op+" errors"),
	)
	if err != nil {
		return m, err
	}
	if withBytes {
		m.bytes, err = meter.Int64Counter(
			"blob."+op+".bytes",
			metric.WithDescription("Total bytes transferred by blob "+op),
			metric.WithUnit("By"),
		)
	}
	return m, err
}

func (s *Store) startSpan(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attrs...)
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *Store) record(ctx context.Context, m *opMetrics, start time.Time, err error, attrs []attribute.KeyValue) {
	if s.meter == nil {
		return
	}
	metricAttrs := metric.WithAttributes(attrs...)
	m.duration.Record(ctx, time.Since(start).Seconds(), metricAttrs)
	m.count.Add(ctx, 1, metricAttrs)
	if err != nil {
		m.errors.Add(ctx, 1, metricAttrs)
	}
}

func (s *Store) Upload(ctx context.Context, contentType string, content io.Reader) (string, error) {
	attrs := s.with(attribute.String("blob.content_type", contentType))
	ctx, span := s.startSpan(ctx, "blob.upload", attrs)

	start := time.Now()
	counter := &countingReader{reader: content}
	uri, err := s.backend.Upload(ctx, contentType, counter)

	s.record(ctx, &s.upload, start, err, attrs)
	if s.meter != nil {
		s.upload.bytes.Add(ctx, counter.bytes, metric.WithAttributes(attrs...))
	}
	endSpan(span, err,
		attribute.String("blob.uri", uri),
		attribute.Int64("blob.bytes", counter.bytes))
	return uri, err
}

// Load instruments the request; the span ends when the reader is closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	attrs := s.with(attribute.String("blob.uri", uri))
	ctx, span := s.startSpan(ctx, "blob.load", attrs)

	start := time.Now()
	reader, err := s.backend.Load(ctx, uri)
	s.record(ctx, &s.load, start, err, attrs)

	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return &instrumentedReader{reader: reader, span: span, store: s, ctx: ctx, attrs: attrs}, nil
}

func (s *Store) Delete(ctx context.Context, uri string) error {
	attrs := s.with(attribute.String("blob.uri", uri))
	ctx, span := s.startSpan(ctx, "blob.delete", attrs)

	start := time.Now()
	err := s.backend.Delete(ctx, uri)
	s.record(ctx, &s.delete, start, err, attrs)
	endSpan(span, err)
	return err
}

type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	attrs  []attribute.KeyValue
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()
	if r.store.meter != nil {
		r.store.load.bytes.Add(r.ctx, r.bytes, metric.WithAttributes(r.attrs...))
	}
	endSpan(r.span, err, attribute.Int64("blob.bytes", r.bytes))
	return err
}
