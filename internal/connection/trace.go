package connection

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rdpconnect/connection"

func (c *Connection) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("rdp.conn_id", c.id),
		attribute.String("rdp.role", c.role.String()),
		attribute.String("rdp.host", c.settings.ServerHostname),
	))
}

// endSpan closes span with the final state, marking it failed when err is set.
func (c *Connection) endSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("rdp.state", c.state.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}
