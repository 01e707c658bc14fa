package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSessionSpan opens a span named prefix+kind for a session lifecycle
// operation (spawn/interrupt/resume/kill/delete), tagging it with the
// session identifier up front. The caller finishes the span with End and
// records the outcome with End's companion RecordOutcome.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, prefix, kind, sessionID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s%s", prefix, kind), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String(AttrSessionID, sessionID), attribute.String(AttrOperation, kind))
	return ctx, span
}

// RecordOutcome sets the span's status from err (or Ok if nil) and records
// the error if present. Call just before span.End().
func RecordOutcome(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
