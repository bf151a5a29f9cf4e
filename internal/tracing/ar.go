package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	arTracerName    = "taskforge-ar"
	maxAttrValueLen = 8192
)

func arTracer() trace.Tracer {
	return Tracer(arTracerName)
}

// TraceARRequest starts a client span for an outgoing AR call (create
// session, send message, abort). The caller ends the span when the
// call returns.
func TraceARRequest(ctx context.Context, backend, method, sessionID string) (context.Context, trace.Span) {
	ctx, span := arTracer().Start(ctx, backend+"."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("backend", backend),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceAREvent records one normalized event pulled off an AR event
// stream as a span event, attaching both the raw and normalized forms
// for side-by-side inspection in a trace viewer.
func TraceAREvent(ctx context.Context, backend, sessionID, eventType string, raw json.RawMessage) {
	_, span := arTracer().Start(ctx, backend+".event."+eventType, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("backend", backend),
		attribute.String("session_id", sessionID),
		attribute.String("event_type", eventType),
	)
	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
