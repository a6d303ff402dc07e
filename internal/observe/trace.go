package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/medvoice"

// Tracer returns the MedVoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AnnotateCall tags the span in ctx with the call identifiers so that a
// media stream request can be found by call SID. The caller's number is
// never recorded.
func AnnotateCall(ctx context.Context, callSID, streamSID, mode string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("medvoice.call_sid", callSID),
		attribute.String("medvoice.stream_sid", streamSID),
		attribute.String("medvoice.mode", mode),
	)
}

// CorrelationID is the trace ID of the span in ctx, or "" without one. It
// is echoed to webhook callers in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return l
}
