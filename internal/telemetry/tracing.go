// Package telemetry sets up OpenTelemetry tracing, exporting to Google Cloud
// Trace when a project is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used across the service.
const TracerName = "github.com/JakeFAU/market-navigator"

// Config controls tracer setup.
type Config struct {
	ServiceName string
	Version     string
	// ProjectID enables the Cloud Trace exporter. Empty keeps spans in-process.
	ProjectID string
	// SampleRatio is the parent-based sampling ratio; <= 0 samples nothing
	// new and >= 1 samples everything.
	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider and the W3C propagators.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	return initWith(ctx, cfg, nil)
}

// initWith lets tests supply an exporter instead of Cloud Trace.
func initWith(ctx context.Context, cfg Config, exporter sdktrace.SpanExporter) (ShutdownFunc, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if exporter == nil && cfg.ProjectID != "" {
		exporter, err = texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("create cloud trace exporter: %w", err)
		}
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRatio))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
