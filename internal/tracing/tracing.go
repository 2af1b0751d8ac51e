// Package tracing wires up OpenTelemetry tracer providers for the
// installer. Each call to Init registers its own batched OTLP-gRPC
// exporter and tracer provider for the named service; Stop flushes and
// shuts all of them down on process exit.
package tracing

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	lock sync.Mutex
	tps  []*sdktrace.TracerProvider
)

// Init registers an OTLP-gRPC tracer provider for service and returns its
// Tracer. If ZB_OTLP_ENDPOINT is unset, it defaults to the standard local
// collector address; callers that don't run a collector get a working
// tracer that simply fails to export silently rather than blocking startup.
func Init(service string) trace.Tracer {
	endpoint := os.Getenv("ZB_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		log.Fatalf("tracing: creating OTLP trace exporter for %s: %v", service, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(service)),
	)

	lock.Lock()
	tps = append(tps, tp)
	lock.Unlock()

	return tp.Tracer(service)
}

func newResource(service string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion("0.1.0"),
	)
}

// Stop flushes and shuts down every tracer provider registered via Init.
func Stop() {
	lock.Lock()
	defer lock.Unlock()
	for _, tp := range tps {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("tracing: shutting down tracer provider: %v", err)
		}
		cancel()
	}
	tps = nil
}
