package mailstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailstore"
)

// opInstruments are the metric instruments of one service operation.
type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	tracingEnabled bool
	tracer         trace.Tracer

	metricsEnabled bool

	append  opInstruments
	copy    opInstruments
	flags   opInstruments
	retries metric.Int64Counter
	changed metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	if o.append, err = newOpInstruments(meter, "append"); err != nil {
		return err
	}
	if o.copy, err = newOpInstruments(meter, "copy"); err != nil {
		return err
	}
	if o.flags, err = newOpInstruments(meter, "update_flags"); err != nil {
		return err
	}

	o.retries, err = meter.Int64Counter(
		"mailstore.retries",
		metric.WithDescription("Number of operations retried after an allocation failure or conflict"),
	)
	if err != nil {
		return err
	}

	o.changed, err = meter.Int64Counter(
		"mailstore.update_flags.changed",
		metric.WithDescription("Number of messages whose flags changed"),
	)
	return err
}

func newOpInstruments(meter metric.Meter, op string) (opInstruments, error) {
	var in opInstruments
	var err error

	in.latency, err = meter.Float64Histogram(
		"mailstore."+op+".duration",
		metric.WithDescription("Duration of "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return in, err
	}

	in.count, err = meter.Int64Counter(
		"mailstore."+op+".count",
		metric.WithDescription("Number of "+op+" operations"),
	)
	if err != nil {
		return in, err
	}

	in.errors, err = meter.Int64Counter(
		"mailstore."+op+".errors",
		metric.WithDescription("Number of "+op+" errors"),
	)
	return in, err
}

// startSpan starts a new span if tracing is enabled.
// The returned func ends the span and records err on it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// record records latency, count and errors of one operation.
func (o *otelInstrumentation) record(ctx context.Context, in *opInstruments, duration time.Duration, err error, attrs ...attribute.KeyValue) {
	if !o.metricsEnabled {
		return
	}
	set := metric.WithAttributes(attrs...)
	in.latency.Record(ctx, duration.Seconds(), set)
	in.count.Add(ctx, 1, set)
	if err != nil {
		in.errors.Add(ctx, 1, set)
	}
}

func (o *otelInstrumentation) recordRetry(ctx context.Context, op string) {
	if !o.metricsEnabled {
		return
	}
	o.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (o *otelInstrumentation) recordChanged(ctx context.Context, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}
	o.changed.Add(ctx, int64(n))
}
