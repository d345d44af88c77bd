package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the salescoach tracer.
const tracerName = "github.com/MrWong99/salescoach"

// CallIDKey is the span attribute and log key carrying the call id.
const CallIDKey = "call_id"

type callIDKey struct{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithCall returns a copy of ctx tagged with callID. Spans started with
// [StartSpan] and loggers from [Logger] pick the id up from there.
func WithCall(ctx context.Context, callID string) context.Context {
	if callID == "" {
		return ctx
	}
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallID returns the id stored by [WithCall], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// StartSpan starts a new span and returns the updated context and span. A
// call id tagged on ctx is added as an attribute. The caller must call
// span.End() when done.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, attribute.String(CallIDKey, id))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID extracts the trace ID from the span context in ctx, or ""
// without an active span. It is echoed in the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the call id and the
// trace_id/span_id of the active span in ctx, whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := CallID(ctx); id != "" {
		l = l.With(slog.String(CallIDKey, id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
