// Package handler applies verified provider events to billing state.
package handler

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Func applies one event inside tx. It must only use tx for database access.
type Func func(ctx context.Context, tx *gorm.DB, event *domain.Event, enrichment domain.Enrichment) (domain.Result, error)

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Directory domain.Directory
	Notifier  domain.Notifier
	Notices   *config.NoticeConfigHolder
}

// Router maps provider event types to state handlers.
type Router struct {
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	directory domain.Directory
	notifier  domain.Notifier
	notices   *config.NoticeConfigHolder
	routes    map[string]Func
}

func NewRouter(p Params) *Router {
	r := &Router{
		log:       p.Log.Named("billing.handler"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		directory: p.Directory,
		notifier:  p.Notifier,
		notices:   p.Notices,
	}
	if r.clock == nil {
		r.clock = clock.System()
	}
	if r.notices == nil {
		r.notices = config.StaticNoticeConfig(config.DefaultNoticeConfig())
	}

	r.routes = map[string]Func{
		domain.EventCheckoutCompleted:        r.checkoutCompleted,
		domain.EventSubscriptionCreated:      r.subscriptionChanged,
		domain.EventSubscriptionUpdated:      r.subscriptionChanged,
		domain.EventSubscriptionDeleted:      r.subscriptionDeleted,
		domain.EventSubscriptionTrialWillEnd: r.trialWillEnd,
		domain.EventInvoicePaid:              r.invoiceSettled,
		domain.EventInvoicePaymentSucceeded:  r.invoiceSettled,
		domain.EventInvoicePaymentFailed:     r.invoiceSettled,
		domain.EventInvoiceUpcoming:          r.invoiceUpcoming,
		domain.EventCustomerUpdated:          r.customerUpdated,
		domain.EventPaymentMethodAttached:    r.paymentMethodChanged,
		domain.EventPaymentMethodDetached:    r.paymentMethodChanged,
	}
	return r
}

// EnrichmentTarget returns the provider subscription id that must be fetched before
// event can be applied, or "" when the event carries everything it needs.
func (r *Router) EnrichmentTarget(event *domain.Event) string {
	if event == nil {
		return ""
	}
	checkout, ok := event.Data.(domain.CheckoutCompleted)
	if !ok || !isSubscriptionCheckout(checkout) {
		return ""
	}
	return checkout.SubscriptionID
}

// Route dispatches event to its handler. Unrecognized types yield an ignored result.
func (r *Router) Route(ctx context.Context, tx *gorm.DB, event *domain.Event, enrichment domain.Enrichment) (domain.Result, error) {
	if event == nil {
		return domain.Result{}, domain.Permanent("route", domain.ErrInvalidPayload)
	}

	handle, ok := r.routes[event.Type]
	if !ok {
		r.log.Info("unrecognized event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return domain.Result{Ignored: true}, nil
	}
	if event.Data == nil {
		return domain.Result{}, domain.Permanent(event.Type, fmt.Errorf("%w: no payload decoded", domain.ErrInvalidPayload))
	}

	return handle(ctx, tx, event, enrichment)
}

func payload[T domain.EventData](event *domain.Event) (T, error) {
	data, ok := event.Data.(T)
	if !ok {
		var zero T
		return zero, domain.Permanent(event.Type, fmt.Errorf("%w: unexpected payload %T", domain.ErrInvalidPayload, event.Data))
	}
	return data, nil
}

func isSubscriptionCheckout(data domain.CheckoutCompleted) bool {
	return data.Mode == "" || data.Mode == "subscription"
}
