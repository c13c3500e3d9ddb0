package lcmtelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jalehman/lcm-engine/internal/shared"
)

// Attribute keys for engine spans, grounded on the teacher's
// internal/otel/spans.go attribute-key-constants pattern but scoped to
// the LCM engine's own entities.
var (
	AttrConversationID   = attribute.Key("lcm.conversation.id")
	AttrSessionID        = attribute.Key("lcm.session.id")
	AttrSummaryID        = attribute.Key("lcm.summary.id")
	AttrCompactionPass   = attribute.Key("lcm.compaction.pass")
	AttrCompactionLevel  = attribute.Key("lcm.compaction.level")
	AttrTokensBefore     = attribute.Key("lcm.tokens.before")
	AttrTokensAfter      = attribute.Key("lcm.tokens.after")
	AttrTokenBudget      = attribute.Key("lcm.token_budget")
)

// StartSpan starts an internal span with common attributes and stamps
// the resulting context with a shared.TraceID derived from the span, so
// a logger built via LoggerWithTrace picks up a stable trace_id for
// every log line emitted within the span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	traceID := shared.NewTraceID()
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	ctx = shared.WithTraceID(ctx, traceID)
	return ctx, span
}
