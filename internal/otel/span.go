// Package otel provides tracing helpers shared by the lifecycle engine and the API.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on spans across the application
const (
	AttrResourceID    = attribute.Key("dataset.resource_id")
	AttrDatasetID     = attribute.Key("dataset.id")
	AttrStatus        = attribute.Key("dataset.status")
	AttrReferenceDate = attribute.Key("dataset.reference_date")
	AttrProcedure     = attribute.Key("lifecycle.procedure")
	AttrBytes         = attribute.Key("artifact.bytes")
	AttrResultCount   = attribute.Key("result.count")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns the
// span already in ctx (a no-op span when there is none).
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed. The status description
// stays generic; the error itself is attached as a span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
