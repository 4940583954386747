// Package telemetry provides OpenTelemetry trace setup for the session.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"tether/internal/buildinfo"
)

// Config holds OpenTelemetry trace export configuration.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// Tracing is disabled when empty.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// SampleRatio is the fraction of traces to sample, 0 < r <= 1.
	// Values outside that range mean "sample everything".
	SampleRatio float64
}

// Setup configures the global tracer provider and returns a shutdown
// function. When no endpoint is configured it is a no-op: the returned
// shutdown does nothing and the default (noop) tracer stays in place.
//
// Call the shutdown function with defer so buffered spans flush on exit.
func Setup(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	sampler := trace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = trace.TraceIDRatioBased(cfg.SampleRatio)
	}

	provider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}
