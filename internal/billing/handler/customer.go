package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// customerUpdated mirrors the provider's name and email onto the organization only
// when they differ from what is stored.
func (r *Router) customerUpdated(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.CustomerUpdated](event)
	if err != nil {
		return domain.Result{}, err
	}
	if strings.TrimSpace(data.CustomerID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "customer.id")
	}

	orgID, err := r.resolveCustomerOrg(ctx, tx, data.CustomerID, data.Metadata)
	if err != nil {
		return domain.Result{}, err
	}
	if orgID == 0 {
		r.log.Info("customer not linked to an organization",
			zap.String("event_id", event.ID),
			zap.String("customer_id", data.CustomerID),
		)
		return domain.Result{}, nil
	}

	var result domain.Result
	result.Link(orgID, 0)

	profile, err := r.directory.GetBillingProfile(ctx, tx, orgID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("load billing profile: %w", err)
	}
	if profile == nil {
		r.log.Warn("organization missing for customer",
			zap.String("event_id", event.ID),
			zap.String("org_id", orgID.String()),
		)
		return result, nil
	}

	updated := *profile
	name := strings.TrimSpace(data.Name)
	email := strings.TrimSpace(data.Email)
	if name != "" && name != profile.Name {
		updated.Name = name
	}
	if email != "" && !strings.EqualFold(email, profile.BillingEmail) {
		updated.BillingEmail = email
	}
	if updated != *profile {
		if err := r.directory.UpdateBillingProfile(ctx, tx, updated); err != nil {
			return domain.Result{}, fmt.Errorf("update billing profile: %w", err)
		}
	}

	if data.DefaultPaymentMethodID != "" {
		if err := r.promoteDefault(ctx, tx, orgID, data.DefaultPaymentMethodID); err != nil {
			return domain.Result{}, err
		}
	}

	return result, nil
}

func (r *Router) resolveCustomerOrg(ctx context.Context, tx *gorm.DB, customerID string, metadata map[string]string) (snowflake.ID, error) {
	sub, err := r.repo.FindSubscriptionByCustomer(ctx, tx, customerID)
	if err != nil {
		return 0, fmt.Errorf("find subscription by customer: %w", err)
	}
	if sub != nil {
		return sub.OrgID, nil
	}
	if orgID, ok := domain.OrgIDFromMetadata(metadata); ok {
		return orgID, nil
	}
	return 0, nil
}

// promoteDefault makes providerPaymentMethodID the organization's default when it is
// a known, active method of that organization.
func (r *Router) promoteDefault(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, providerPaymentMethodID string) error {
	active, err := r.repo.LockActivePaymentMethods(ctx, tx, orgID)
	if err != nil {
		return fmt.Errorf("lock payment methods: %w", err)
	}
	pm, _ := splitPaymentMethod(active, providerPaymentMethodID)
	if pm == nil || pm.IsDefault {
		return nil
	}

	now := r.clock.Now()
	if err := r.repo.ClearDefaultPaymentMethod(ctx, tx, orgID, now); err != nil {
		return fmt.Errorf("clear default payment method: %w", err)
	}
	pm.IsDefault = true
	pm.UpdatedAt = now
	if err := r.repo.UpdatePaymentMethod(ctx, tx, pm); err != nil {
		return fmt.Errorf("promote payment method: %w", err)
	}
	return nil
}
