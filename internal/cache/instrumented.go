package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/odatabridge/odata-bridge/internal/cache"

// Instrumented wraps a TokenCache, recording an operation counter and a
// duration histogram for each call and annotating the active span.
type Instrumented[T any] struct {
	wrapped    TokenCache[T]
	cacheType  string
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

type InstrumentedOption func(*instrumentedConfig)

type instrumentedConfig struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) InstrumentedOption {
	return func(c *instrumentedConfig) {
		c.meterProvider = mp
	}
}

// NewInstrumented creates an instrumented cache wrapper. Instrument creation
// failures are reported to the otel error handler and leave the wrapper
// recording nothing.
func NewInstrumented[T any](cache TokenCache[T], cacheType string, opts ...InstrumentedOption) *Instrumented[T] {
	cfg := instrumentedConfig{meterProvider: otel.GetMeterProvider()}
	for _, o := range opts {
		o(&cfg)
	}

	meter := cfg.meterProvider.Meter(meterName)

	operations, err := meter.Int64Counter(
		"cache.operations",
		metric.WithDescription("Total cache operations"),
	)
	if err != nil {
		otel.Handle(err)
	}

	duration, err := meter.Float64Histogram(
		"cache.operation.duration",
		metric.WithDescription("Cache operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Instrumented[T]{
		wrapped:    cache,
		cacheType:  cacheType,
		operations: operations,
		duration:   duration,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()
	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	switch {
	case err != nil:
		status = "error"
	case found:
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.record(ctx, "set", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.record(ctx, "invalidate", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func (i *Instrumented[T]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if i.operations != nil {
		i.operations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	if i.duration != nil {
		i.duration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
			),
		)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
