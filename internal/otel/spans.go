package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for service spans.
var (
	AttrQueueName    = attribute.Key("mechqueue.queue.name")
	AttrJobID        = attribute.Key("mechqueue.job.id")
	AttrScheduleID   = attribute.Key("mechqueue.schedule.id")
	AttrSubscription = attribute.Key("mechqueue.subscription.id")
	AttrAttempt      = attribute.Key("mechqueue.attempt")
	AttrProjectID    = attribute.Key("mechqueue.project.id")
	AttrSessionID    = attribute.Key("mechqueue.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (HTTP API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (embedding provider,
// webhook delivery, schedule endpoint).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
