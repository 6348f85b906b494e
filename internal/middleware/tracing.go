package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/crowdq/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware opens one server span per operator call, continuing the
// caller's trace context. The span's traceparent is echoed on the response so
// an operator can match a call against the traceParent of audit entries it
// produced.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "crowdq"
	}
	tracer := otel.Tracer(serviceName + "/http")

	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, serviceName+" "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", c.Request.Method)),
		)
		defer span.End()
		if id := c.GetString(requestIDKey); id != "" {
			span.SetAttributes(attribute.String("crowdq.request_id", id))
		}
		tracing.InjectHeaders(ctx, c.Writer.Header())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if route := c.FullPath(); route != "" {
			span.SetName(serviceName + " " + c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		if claims := Claims(c); claims != nil {
			span.SetAttributes(attribute.String("crowdq.operator", claims.Subject))
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		switch {
		case status == http.StatusTooManyRequests:
			span.SetAttributes(attribute.Bool("crowdq.rate_limited", true))
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
