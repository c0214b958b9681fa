package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "quorumescrow/escrow"

// Span attribute keys for escrow operations.
const (
	AttrEscrowID  = attribute.Key("escrow.id")
	AttrOperation = attribute.Key("escrow.operation")
	AttrPhase     = attribute.Key("escrow.phase")
	AttrErrorKind = attribute.Key("escrow.error_kind")
)

// Operation is an in-flight escrow operation span.
type Operation struct {
	span trace.Span
}

// StartOperation opens a span named "escrow.<operation>" under ctx.
func StartOperation(ctx context.Context, operation, escrowID string) (context.Context, *Operation) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "escrow."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrOperation.String(operation), AttrEscrowID.String(escrowID)),
	)
	return ctx, &Operation{span: span}
}

// End records the outcome and closes the span. kind is the escrow error
// classification and is ignored when err is nil.
func (o *Operation) End(phase string, err error, kind string) {
	if o == nil || o.span == nil {
		return
	}
	if phase != "" {
		o.span.SetAttributes(AttrPhase.String(phase))
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		if kind != "" {
			o.span.SetAttributes(AttrErrorKind.String(kind))
		}
	} else {
		o.span.SetStatus(codes.Ok, "")
	}
	o.span.End()
}
