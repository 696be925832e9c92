package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

const tracerName = "github.com/nextlevelbuilder/loom"

// StartLLMSpan opens a client span around one model call.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, fmt.Sprintf("llm.%s", provider),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// EndLLMSpan records the call's usage and outcome and closes the span.
func EndLLMSpan(span trace.Span, usage providers.Usage, err error) {
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", usage.InputTokens),
		attribute.Int64("llm.output_tokens", usage.OutputTokens),
		attribute.Float64("llm.cost_usd", usage.TotalCost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartToolSpan opens an internal span around one tool execution.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, fmt.Sprintf("tool.%s", toolName),
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
}

// EndToolSpan records the outcome and closes the span.
func EndToolSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
