package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srpc-dev/srpc/pkg/srpc"
)

// Default tracer name for SRPC endpoints.
const defaultTracerName = "srpc"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "srpc").
	TracerName string

	// Filter determines which requests to trace.
	// Return true to trace the request, false to skip.
	// If nil, all requests are traced.
	Filter func(method string) bool

	// AttributeExtractor extracts custom attributes per request.
	AttributeExtractor func(c *srpc.Conn) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithMethodFilter sets a filter function for methods.
func WithMethodFilter(filter func(method string) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(c *srpc.Conn) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry creates middleware that starts a span per handled request,
// records handler errors, and sets the span status. The tracer comes from
// the global tracer provider; configure that in main() before serving.
func OpenTelemetry(opts ...OTelOption) srpc.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(method string, next srpc.Handler) srpc.Handler {
		return func(ctx context.Context, c *srpc.Conn, payload []byte) (any, error) {
			if config.Filter != nil && !config.Filter(method) {
				return next(ctx, c, payload)
			}

			attrs := []attribute.KeyValue{
				attribute.String("srpc.method", method),
				attribute.String("srpc.conn_id", c.ID),
				attribute.String("srpc.client_id", c.ClientID),
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(c)...)
			}

			spanCtx, span := config.tracer.Start(ctx, "srpc "+method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			result, err := next(spanCtx, c, payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Bool("srpc.user_error", srpc.IsUserError(err)))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
