package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer for the single span that matters in
// this system: one frame going through RouteFrame. No exporter is attached
// (the core doesn't own an egress transport for spans), so spans are not
// shipped anywhere. NewTracer installs its own provider as the global one,
// replacing any TracerProvider that was set before it was called.
type Tracer struct {
	tracer      oteltrace.Tracer
	serviceName string
}

// NewTracer installs a resource-tagged TracerProvider with no exporter as
// the global provider and returns a Tracer bound to serviceName.
func NewTracer(serviceName string) (*Tracer, error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: otel.Tracer(serviceName), serviceName: serviceName}, nil
}

// StartFrameSpan begins a span for routing one CAN frame.
func (t *Tracer) StartFrameSpan(ctx context.Context, pgn uint32, sourceAddress uint8) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "route_frame", oteltrace.WithAttributes(
		attribute.String("can.pgn", fmt.Sprintf("0x%05X", pgn)),
		attribute.Int("can.source_address", int(sourceAddress)),
	))
}

// FinishFrameSpan closes span, recording err (if any) and a success status.
func (t *Tracer) FinishFrameSpan(span oteltrace.Span, err error) {
	defer span.End()
	if !span.IsRecording() {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "frame routed")
}
