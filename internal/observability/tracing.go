package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/shehryarbajwa/browserpool"

// Span attribute keys shared by the dispatcher and the API.
var (
	AttrTaskID    = attribute.Key("browserpool.task.id")
	AttrProjectID = attribute.Key("browserpool.project.id")
	AttrSessionID = attribute.Key("browserpool.session.id")
	AttrSteps     = attribute.Key("browserpool.task.steps")
	AttrAttempt   = attribute.Key("browserpool.task.attempt")
	AttrOutcome   = attribute.Key("browserpool.session.outcome")
)

// TracerProvider owns the SDK provider installed as the global one.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider exports spans as JSON lines to w and installs the provider globally.
func NewTracerProvider(serviceName string, w io.Writer) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the service tracer from the global provider. Without a configured
// provider it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
