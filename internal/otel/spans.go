package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for inquest spans and metrics.
var (
	AttrAgentID        = attribute.Key("inquest.agent.id")
	AttrPhase          = attribute.Key("inquest.agent.phase")
	AttrIteration      = attribute.Key("inquest.agent.iteration")
	AttrToolName       = attribute.Key("inquest.tool.name")
	AttrModel          = attribute.Key("inquest.llm.model")
	AttrFallback       = attribute.Key("inquest.llm.fallback")
	AttrTokensInput    = attribute.Key("inquest.llm.tokens.input")
	AttrTokensOutput   = attribute.Key("inquest.llm.tokens.output")
	AttrScanID         = attribute.Key("inquest.scan.id")
	AttrDirectiveID    = attribute.Key("inquest.directive.id")
	AttrRunID          = attribute.Key("inquest.run.id")
	AttrCacheNamespace = attribute.Key("inquest.cache.namespace")
	AttrOutcome        = attribute.Key("inquest.outcome")
)

// StartSpan starts an internal span with common attributes. A nil tracer
// yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (reasoning service, dataset).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
