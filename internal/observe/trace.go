package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/tutorlink"

func startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// traceAttrs returns trace_id and span_id for the span in ctx, or nothing.
func traceAttrs(ctx context.Context) []slog.Attr {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}

// AttemptSpan traces one connection attempt from dial to close.
type AttemptSpan struct {
	span trace.Span
	log  *slog.Logger
}

// StartAttempt opens the span for attempt of conversationID. The returned
// span's logger tags every record with the attempt's trace ids.
func StartAttempt(ctx context.Context, conversationID string, attempt uint64, retryCount int) *AttemptSpan {
	ctx, span := startSpan(ctx, "session.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("conversation_id", conversationID),
			attribute.Int64("attempt", int64(attempt)),
			attribute.Int("retry_count", retryCount),
		),
	)
	log := slog.Default().With("conversation_id", conversationID, "attempt", attempt)
	for _, a := range traceAttrs(ctx) {
		log = log.With(a)
	}
	return &AttemptSpan{span: span, log: log}
}

// Logger returns the attempt's logger.
func (a *AttemptSpan) Logger() *slog.Logger { return a.log }

// End closes the span with the attempt's outcome. Any class other than
// "clean" marks the span as failed.
func (a *AttemptSpan) End(class string, closeCode int, reason string) {
	a.span.SetAttributes(
		attribute.String("class", class),
		attribute.Int("close_code", closeCode),
	)
	if class != "clean" {
		a.span.SetStatus(codes.Error, reason)
	}
	a.span.End()
}
