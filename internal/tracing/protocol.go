package tracing

import (
	"context"
	"encoding/json"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	protocolTracerName = "avatar-protocol"
	maxAttrValueLen    = 8192 // 8KB truncation for span event payloads
)

// debugMode controls whether protocol payloads are attached to spans.
// Enable via AVATAR_DEBUG_AGENT_MESSAGES=true environment variable.
var debugMode = os.Getenv("AVATAR_DEBUG_AGENT_MESSAGES") == "true"

// protocolTracer returns the tracer for agent protocol tracing.
// Requires AVATAR_DEBUG_AGENT_MESSAGES=true in addition to the OTel endpoint.
// Returns a no-op tracer when debug mode is off.
func protocolTracer() trace.Tracer {
	if !debugMode {
		return noop.NewTracerProvider().Tracer(protocolTracerName)
	}
	return Tracer(protocolTracerName)
}

// TraceProtocolEvent creates a single span for a received protocol notification.
// Two events are attached: "raw" with the original protocol JSON and "normalized"
// with the serialized typed event, allowing side-by-side comparison in Jaeger/Tempo.
func TraceProtocolEvent(
	ctx context.Context,
	protocol, provider string,
	eventType string,
	rawData json.RawMessage,
	normalized any,
) {
	spanName := protocol + "." + eventType

	_, span := protocolTracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
	)

	if len(rawData) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(rawData), maxAttrValueLen)),
		))
	}

	if normalized != nil {
		if normJSON, err := json.Marshal(normalized); err == nil {
			span.AddEvent("normalized", trace.WithAttributes(
				attribute.String("data", truncate(string(normJSON), maxAttrValueLen)),
			))
		}
	} else {
		span.AddEvent("normalized", trace.WithAttributes(
			attribute.Bool("conversion_failed", true),
		))
	}
}

// TraceProtocolRequest starts a span for an outgoing protocol request.
// The caller must call span.End() when the request completes, and may add
// attributes to record response data.
func TraceProtocolRequest(
	ctx context.Context,
	protocol, provider, name string,
) (context.Context, trace.Span) {
	spanName := protocol + "." + name

	ctx, span := protocolTracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("provider", provider),
	)

	return ctx, span
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
