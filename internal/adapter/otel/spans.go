package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "datahandover"

// StartSubmitSpan starts a span for handover intake. Attributes carry the
// token and database name only, never the credentialed URI.
func StartSubmitSpan(ctx context.Context, token, database string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handover.submit",
		trace.WithAttributes(
			attribute.String("handover.token", token),
			attribute.String("handover.database", database),
		),
	)
}

// StartCheckSpan starts a span for one queue-driven status check.
func StartCheckSpan(ctx context.Context, stage, token, jobID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handover.check",
		trace.WithAttributes(
			attribute.String("handover.stage", stage),
			attribute.String("handover.token", token),
			attribute.String("job.id", jobID),
		),
	)
}
