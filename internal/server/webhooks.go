package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/providers/stripe"
	"go.uber.org/zap"
)

// outcomeKey is where webhook handlers publish the delivery outcome for request logging.
const outcomeKey = "billing_outcome"

const maxLoggedHeader = 256

// HandleStripeWebhook ingests one Stripe delivery. Only transient failures ask
// Stripe to redeliver; permanent failures are acknowledged so retries stop.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warn("webhook body over limit",
				zap.String("client_ip", c.ClientIP()),
				zap.Int64("limit_bytes", tooLarge.Limit),
			)
			AbortWithError(c, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, tooLarge.Limit))
			return
		}
		AbortWithError(c, fmt.Errorf("%w: read body: %v", ErrInvalidRequest, err))
		return
	}

	signature := c.GetHeader(stripe.SignatureHeader)
	delivery := s.billing.Ingest(c.Request.Context(), payload, signature)
	c.Set(outcomeKey, string(delivery.Outcome))

	if delivery.Outcome == billingdomain.OutcomeSignatureInvalid {
		s.log.Warn("webhook signature rejected",
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.String("signature_header", truncateHeader(signature)),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(delivery.Err),
		)
	}

	c.JSON(statusForOutcome(delivery.Outcome), gin.H{"status": string(delivery.Outcome)})
}

func statusForOutcome(outcome billingdomain.Outcome) int {
	switch outcome {
	case billingdomain.OutcomeSignatureInvalid:
		return http.StatusBadRequest
	case billingdomain.OutcomeTransientFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func truncateHeader(value string) string {
	if len(value) <= maxLoggedHeader {
		return value
	}
	return value[:maxLoggedHeader] + "..."
}
