// internal/telemetry/tracer.go
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracerName is the instrumentation scope used by every package.
const TracerName = "ccrec"

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// traceOut is the file spans are written to, closed on shutdown
var traceOut io.Closer

// InitTracer initializes the OpenTelemetry tracer, writing spans as JSON to path.
// With an empty path tracing stays on the global no-op provider.
func InitTracer(serviceName, version, path string) (*sdktrace.TracerProvider, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	tp, err := NewProvider(serviceName, version, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	// Set the global tracer provider
	otel.SetTracerProvider(tp)

	// Set the global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	traceOut = f

	return tp, nil
}

// NewProvider builds a tracer provider exporting to w without installing it globally.
func NewProvider(serviceName, version string, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	// Create a resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownTracer shuts down the tracer provider
func ShutdownTracer(ctx context.Context) {
	if TracerProvider != nil {
		// Flush any remaining spans
		if err := TracerProvider.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}
	if traceOut != nil {
		traceOut.Close()
	}
}
