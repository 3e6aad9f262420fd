package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/inkpress/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const signatureRejectedOutcome = "signature_invalid"

// MiddlewareConfig controls server span enrichment.
type MiddlewareConfig struct {
	// OutcomeKey is the gin context key handlers use to publish a processing outcome.
	OutcomeKey string
}

// GinMiddleware starts a server span per request. Webhook spans carry the
// billing outcome so a trace shows whether a delivery was applied, skipped or
// handed back for redelivery.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("inkpress/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.request_content_length", max(c.Request.ContentLength, 0)),
		)...)

		outcome := ""
		if cfg.OutcomeKey != "" {
			outcome = strings.TrimSpace(c.GetString(cfg.OutcomeKey))
		}
		if outcome != "" {
			span.SetAttributes(attribute.String("billing.outcome", outcome))
			if outcome == signatureRejectedOutcome {
				span.AddEvent("webhook.signature_rejected", trace.WithAttributes(
					attribute.String("client_ip", c.ClientIP()),
				))
			}
		}

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, firstNonEmpty(outcome, "request error"))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
