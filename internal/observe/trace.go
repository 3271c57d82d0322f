package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxchat tracer.
const tracerName = "github.com/MrWong99/voxchat"

// Tracer returns the voxchat tracer from the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named after the operation, e.g. "chat.send" or
// "voice.connect". The caller must call span.End() when done.
func StartSpan(ctx context.Context, op string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op, opts...)
}

// SpanError marks span as failed and records err on it. A nil err marks the
// span OK instead, so the call can sit unconditionally at the end of an
// operation.
func SpanError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the active span in ctx, or the empty
// string when there is none. The trace ID doubles as the correlation
// identifier in logs and response headers.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the
// active span in ctx. Without a span it is simply the default logger.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
