// Package stripe adapts the Stripe API and webhook signing to the billing domain.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/config"
	obsmetrics "github.com/smallbiznis/inkpress/internal/observability/metrics"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const SignatureHeader = "Stripe-Signature"

var ErrNotConfigured = errors.New("stripe_not_configured")

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Client verifies webhook deliveries and reads subscriptions from Stripe.
type Client struct {
	log           *zap.Logger
	metrics       *obsmetrics.Metrics
	webhookSecret string
	tolerance     time.Duration
	subscriptions *subscription.Client
}

func NewClient(p Params) (*Client, error) {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewClientWithBackend(p.Config.Stripe, backend, p.Log, p.Metrics)
}

// NewClientWithBackend builds a client against an explicit API backend.
func NewClientWithBackend(cfg config.StripeConfig, backend stripe.Backend, log *zap.Logger, metrics *obsmetrics.Metrics) (*Client, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrNotConfigured)
	}
	if log == nil {
		log = zap.NewNop()
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Client{
		log:           log.Named("providers.stripe"),
		metrics:       metrics,
		webhookSecret: secret,
		tolerance:     tolerance,
		subscriptions: &subscription.Client{B: backend, Key: cfg.SecretKey},
	}, nil
}

// VerifyEvent checks the signature over the untouched payload and decodes the
// event into its typed variant.
func (c *Client) VerifyEvent(payload []byte, signatureHeader string) (*domain.Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing %s header", domain.ErrSignatureInvalid, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}

	return ParseEvent(event, payload)
}

// FetchSubscription reads the current subscription from the API.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionDetails, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, domain.MissingField("fetch_subscription", "subscription")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.subscriptions.Get(subscriptionID, params)
	c.metrics.RecordProviderCall(ctx, "fetch_subscription", err)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	raw, err := rawJSON(sub)
	if err != nil {
		return nil, err
	}
	var decoded stripeSubscription
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: subscription %s: %v", domain.ErrInvalidPayload, subscriptionID, err)
	}
	details := decoded.details()
	return &details, nil
}

func rawJSON(sub *stripe.Subscription) ([]byte, error) {
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return sub.LastResponse.RawJSON, nil
	}
	return json.Marshal(sub)
}
