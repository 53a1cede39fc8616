package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rylieai/handover"

// StartDecisionSpan starts the span covering one orchestration call.
func StartDecisionSpan(ctx context.Context, path, conversationID, dealershipID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handover."+path,
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("dealership.id", dealershipID),
		),
	)
}

// StartStageSpan starts a span for one signal family within a decision.
func StartStageSpan(ctx context.Context, family string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage."+family,
		trace.WithAttributes(attribute.String("signal.family", family)),
	)
}

// EndStageSpan records the stage result on span and ends it.
func EndStageSpan(span trace.Span, hasIntent bool, err error) {
	span.SetAttributes(attribute.Bool("signal.has_intent", hasIntent))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
