package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (r *Router) checkoutCompleted(ctx context.Context, tx *gorm.DB, event *domain.Event, enrichment domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.CheckoutCompleted](event)
	if err != nil {
		return domain.Result{}, err
	}
	if !isSubscriptionCheckout(data) {
		r.log.Debug("checkout is not a subscription checkout",
			zap.String("event_id", event.ID),
			zap.String("mode", data.Mode),
		)
		return domain.Result{Ignored: true}, nil
	}

	orgID, ok := domain.ParseOrgID(data.ClientReferenceID)
	if !ok {
		orgID, ok = domain.OrgIDFromMetadata(data.Metadata)
	}
	if !ok {
		return domain.Result{}, domain.MissingField(event.Type, domain.MetadataOrganizationID)
	}
	if strings.TrimSpace(data.CustomerID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "customer")
	}
	if strings.TrimSpace(data.SubscriptionID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "subscription")
	}

	details := enrichment.Subscription
	if details == nil || details.ID != data.SubscriptionID {
		return domain.Result{}, domain.Transient(event.Type, fmt.Errorf("%w: subscription %s", domain.ErrEnrichmentUnavailable, data.SubscriptionID))
	}

	planTier := firstNonEmpty(data.Metadata[domain.MetadataPlanTier], details.Metadata[domain.MetadataPlanTier])
	if planTier == "" {
		return domain.Result{}, domain.MissingField(event.Type, domain.MetadataPlanTier)
	}
	billingCycle := firstNonEmpty(data.Metadata[domain.MetadataBillingCycle], details.Metadata[domain.MetadataBillingCycle])
	if billingCycle == "" {
		return domain.Result{}, domain.MissingField(event.Type, domain.MetadataBillingCycle)
	}

	sub, err := r.buildSubscription(event.Type, *details, domain.Classification{
		OrgID:        orgID,
		PlanTier:     planTier,
		BillingCycle: billingCycle,
	})
	if err != nil {
		return domain.Result{}, err
	}
	sub.ProviderCustomerID = data.CustomerID

	stored, err := r.repo.UpsertSubscription(ctx, tx, sub)
	if err != nil {
		return domain.Result{}, fmt.Errorf("upsert subscription: %w", err)
	}

	var result domain.Result
	result.Link(stored.OrgID, stored.ID)
	return result, nil
}

// subscriptionChanged upserts when the provider object carries full classification
// metadata, and otherwise only updates a row created by an earlier event.
func (r *Router) subscriptionChanged(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.SubscriptionChanged](event)
	if err != nil {
		return domain.Result{}, err
	}
	details := data.Subscription
	if strings.TrimSpace(details.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "subscription.id")
	}

	var result domain.Result
	if classification, ok := details.Classification(); ok {
		if strings.TrimSpace(details.CustomerID) == "" {
			return domain.Result{}, domain.MissingField(event.Type, "subscription.customer")
		}
		sub, err := r.buildSubscription(event.Type, details, classification)
		if err != nil {
			return domain.Result{}, err
		}
		stored, err := r.repo.UpsertSubscription(ctx, tx, sub)
		if err != nil {
			return domain.Result{}, fmt.Errorf("upsert subscription: %w", err)
		}
		result.Link(stored.OrgID, stored.ID)
		return result, nil
	}

	existing, err := r.repo.FindSubscription(ctx, tx, details.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription: %w", err)
	}
	if existing == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "subscription %s not yet created", details.ID)
	}

	status, ok := domain.ParseSubscriptionStatus(details.Status)
	if !ok {
		return domain.Result{}, domain.Permanent(event.Type, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, details.Status))
	}

	existing.Status = status
	if details.CustomerID != "" {
		existing.ProviderCustomerID = details.CustomerID
	}
	if priceID := details.PrimaryPriceID(); priceID != "" {
		existing.ProviderPriceID = priceID
	}
	if len(details.Items) > 0 {
		existing.Amount = details.TotalAmount()
	}
	if details.Currency != "" {
		existing.Currency = domain.NormalizeCurrency(details.Currency)
	}
	existing.CurrentPeriodStart = details.CurrentPeriodStart
	existing.CurrentPeriodEnd = details.CurrentPeriodEnd
	existing.CancelAtPeriodEnd = details.CancelAtPeriodEnd
	existing.CanceledAt = details.CanceledAt
	existing.TrialEnd = details.TrialEnd
	existing.UpdatedAt = r.clock.Now()

	if err := r.repo.UpdateSubscription(ctx, tx, existing); err != nil {
		return domain.Result{}, fmt.Errorf("update subscription: %w", err)
	}

	result.Link(existing.OrgID, existing.ID)
	return result, nil
}

func (r *Router) subscriptionDeleted(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.SubscriptionDeleted](event)
	if err != nil {
		return domain.Result{}, err
	}
	details := data.Subscription
	if strings.TrimSpace(details.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "subscription.id")
	}

	existing, err := r.repo.FindSubscription(ctx, tx, details.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription: %w", err)
	}
	if existing == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "subscription %s not yet created", details.ID)
	}

	now := r.clock.Now()
	canceledAt := details.CanceledAt
	if canceledAt == nil {
		canceledAt = &now
	}
	existing.Status = domain.SubscriptionStatusCanceled
	existing.CanceledAt = canceledAt
	existing.CancelAtPeriodEnd = false
	if details.CurrentPeriodEnd != nil {
		existing.CurrentPeriodEnd = details.CurrentPeriodEnd
	}
	existing.UpdatedAt = now

	if err := r.repo.UpdateSubscription(ctx, tx, existing); err != nil {
		return domain.Result{}, fmt.Errorf("update subscription: %w", err)
	}

	var result domain.Result
	result.Link(existing.OrgID, existing.ID)
	return result, nil
}

func (r *Router) buildSubscription(op string, details domain.SubscriptionDetails, classification domain.Classification) (*domain.Subscription, error) {
	status, ok := domain.ParseSubscriptionStatus(details.Status)
	if !ok {
		return nil, domain.Permanent(op, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, details.Status))
	}
	currency := domain.NormalizeCurrency(details.Currency)
	if currency == "" {
		return nil, domain.MissingField(op, "subscription.currency")
	}

	now := r.clock.Now()
	return &domain.Subscription{
		ID:                     r.genID.Generate(),
		OrgID:                  classification.OrgID,
		ProviderCustomerID:     details.CustomerID,
		ProviderSubscriptionID: details.ID,
		ProviderPriceID:        details.PrimaryPriceID(),
		PlanTier:               classification.PlanTier,
		BillingCycle:           classification.BillingCycle,
		Status:                 status,
		CurrentPeriodStart:     details.CurrentPeriodStart,
		CurrentPeriodEnd:       details.CurrentPeriodEnd,
		CancelAtPeriodEnd:      details.CancelAtPeriodEnd,
		CanceledAt:             details.CanceledAt,
		TrialEnd:               details.TrialEnd,
		Amount:                 details.TotalAmount(),
		Currency:               currency,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
