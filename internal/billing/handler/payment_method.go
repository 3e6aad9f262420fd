package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	pkgdb "github.com/smallbiznis/inkpress/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Payment methods keep one active default per organization. The first active
// method becomes default, later ones do not, and detaching the default promotes
// the most recently added remaining method. Every path locks the organization's
// active methods before choosing a default.

func (r *Router) paymentMethodChanged(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.PaymentMethodChanged](event)
	if err != nil {
		return domain.Result{}, err
	}
	if data.Attached {
		return r.attachPaymentMethod(ctx, tx, event, data.PaymentMethod)
	}
	return r.detachPaymentMethod(ctx, tx, event, data)
}

func (r *Router) attachPaymentMethod(ctx context.Context, tx *gorm.DB, event *domain.Event, details domain.PaymentMethodDetails) (domain.Result, error) {
	if strings.TrimSpace(details.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "payment_method.id")
	}
	if strings.TrimSpace(details.CustomerID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "payment_method.customer")
	}

	sub, err := r.repo.FindSubscriptionByCustomer(ctx, tx, details.CustomerID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription by customer: %w", err)
	}
	if sub == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "no subscription for customer %s", details.CustomerID)
	}
	orgID := sub.OrgID

	active, err := r.repo.LockActivePaymentMethods(ctx, tx, orgID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("lock payment methods: %w", err)
	}
	otherDefault := false
	for _, pm := range active {
		if pm.IsDefault && pm.ProviderPaymentMethodID != details.ID {
			otherDefault = true
			break
		}
	}

	existing, err := r.repo.FindPaymentMethod(ctx, tx, details.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find payment method: %w", err)
	}

	now := r.clock.Now()
	var result domain.Result
	result.Link(orgID, 0)

	if existing == nil {
		pm := &domain.PaymentMethod{
			ID:                      r.genID.Generate(),
			OrgID:                   orgID,
			ProviderPaymentMethodID: details.ID,
			ProviderCustomerID:      details.CustomerID,
			IsDefault:               !otherDefault,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		applyPaymentMethodDetails(pm, details)
		if err := r.repo.InsertPaymentMethod(ctx, tx, pm); err != nil {
			return domain.Result{}, defaultConflict(event.Type, fmt.Errorf("insert payment method: %w", err))
		}
		return result, nil
	}

	if existing.DeletedAt != nil {
		r.log.Info("payment method reactivated",
			zap.String("event_id", event.ID),
			zap.String("payment_method_id", details.ID),
		)
	}
	existing.OrgID = orgID
	existing.ProviderCustomerID = details.CustomerID
	existing.DeletedAt = nil
	existing.IsDefault = !otherDefault
	existing.UpdatedAt = now
	applyPaymentMethodDetails(existing, details)
	if err := r.repo.UpdatePaymentMethod(ctx, tx, existing); err != nil {
		return domain.Result{}, defaultConflict(event.Type, fmt.Errorf("update payment method: %w", err))
	}
	return result, nil
}

func (r *Router) detachPaymentMethod(ctx context.Context, tx *gorm.DB, event *domain.Event, data domain.PaymentMethodChanged) (domain.Result, error) {
	details := data.PaymentMethod
	if strings.TrimSpace(details.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "payment_method.id")
	}

	found, err := r.repo.FindPaymentMethod(ctx, tx, details.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find payment method: %w", err)
	}
	if !found.Active() {
		return domain.Result{}, nil
	}

	active, err := r.repo.LockActivePaymentMethods(ctx, tx, found.OrgID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("lock payment methods: %w", err)
	}
	existing, remaining := splitPaymentMethod(active, details.ID)
	if existing == nil {
		// Detached by a transaction that committed while we waited for the lock.
		return domain.Result{}, nil
	}

	var result domain.Result
	result.Link(existing.OrgID, 0)

	now := r.clock.Now()
	wasDefault := existing.IsDefault
	existing.DeletedAt = &now
	existing.IsDefault = false
	existing.UpdatedAt = now
	if err := r.repo.UpdatePaymentMethod(ctx, tx, existing); err != nil {
		return domain.Result{}, fmt.Errorf("detach payment method: %w", err)
	}
	r.log.Info("payment method detached",
		zap.String("event_id", event.ID),
		zap.String("payment_method_id", details.ID),
		zap.String("previous_customer_id", firstNonEmpty(data.PreviousCustomerID, existing.ProviderCustomerID)),
		zap.Bool("was_default", wasDefault),
	)
	if !wasDefault || len(remaining) == 0 {
		return result, nil
	}

	replacement := remaining[0]
	replacement.IsDefault = true
	replacement.UpdatedAt = now
	if err := r.repo.UpdatePaymentMethod(ctx, tx, &replacement); err != nil {
		return domain.Result{}, fmt.Errorf("promote payment method: %w", err)
	}
	r.log.Info("default payment method promoted",
		zap.String("event_id", event.ID),
		zap.String("payment_method_id", replacement.ProviderPaymentMethodID),
	)
	return result, nil
}

// splitPaymentMethod separates the method with providerPaymentMethodID from the
// rest of methods, keeping their order.
func splitPaymentMethod(methods []domain.PaymentMethod, providerPaymentMethodID string) (*domain.PaymentMethod, []domain.PaymentMethod) {
	var match *domain.PaymentMethod
	rest := make([]domain.PaymentMethod, 0, len(methods))
	for i := range methods {
		if match == nil && methods[i].ProviderPaymentMethodID == providerPaymentMethodID {
			match = &methods[i]
			continue
		}
		rest = append(rest, methods[i])
	}
	return match, rest
}

func applyPaymentMethodDetails(pm *domain.PaymentMethod, details domain.PaymentMethodDetails) {
	pm.Type = firstNonEmpty(details.Type, pm.Type, "card")
	if details.CardBrand != "" {
		pm.CardBrand = details.CardBrand
	}
	if details.CardLast4 != "" {
		pm.CardLast4 = details.CardLast4
	}
	if details.ExpMonth != 0 {
		pm.CardExpMonth = details.ExpMonth
	}
	if details.ExpYear != 0 {
		pm.CardExpYear = details.ExpYear
	}
}

// defaultConflict marks a unique violation as retryable. It means a concurrent
// event for the same organization changed its methods first; the redelivery
// sees that change.
func defaultConflict(op string, err error) error {
	if pkgdb.IsDuplicateKeyErr(err) {
		return domain.Transient(op, err)
	}
	return err
}
