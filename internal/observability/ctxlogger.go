package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a zerolog.Logger enriched with trace_id/span_id from
// the context, if available.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
		if sc.HasSpanID() {
			l = l.With().Str("span_id", sc.SpanID().String()).Logger()
		}
	}
	return &l
}

// LoggerWithCorrelation returns a logger tagged with the bus correlation id.
// Used by the bus consumer and the DLQ handler, where an OTel span is not
// always present.
func LoggerWithCorrelation(ctx context.Context, correlationID string) *zerolog.Logger {
	l := LoggerWithTrace(ctx)
	if correlationID == "" {
		return l
	}
	out := l.With().Str("correlation_id", correlationID).Logger()
	return &out
}
