package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// invoiceSettled handles invoice.paid, invoice.payment_succeeded and
// invoice.payment_failed. Amounts are stored in the provider's minor unit.
func (r *Router) invoiceSettled(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.InvoiceSettled](event)
	if err != nil {
		return domain.Result{}, err
	}
	inv := data.Invoice
	if strings.TrimSpace(inv.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "invoice.id")
	}
	if strings.TrimSpace(inv.SubscriptionID) == "" {
		r.log.Info("invoice without subscription skipped",
			zap.String("event_id", event.ID),
			zap.String("invoice_id", inv.ID),
		)
		return domain.Result{Ignored: true}, nil
	}
	currency := domain.NormalizeCurrency(inv.Currency)
	if currency == "" {
		return domain.Result{}, domain.MissingField(event.Type, "invoice.currency")
	}

	sub, err := r.repo.FindSubscription(ctx, tx, inv.SubscriptionID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription: %w", err)
	}
	if sub == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "subscription %s for invoice %s not yet created", inv.SubscriptionID, inv.ID)
	}

	now := r.clock.Now()
	status := strings.TrimSpace(inv.Status)
	if status == "" {
		status = domain.InvoiceStatusOpen
		if data.Paid {
			status = domain.InvoiceStatusPaid
		}
	}
	paidAt := inv.PaidAt
	if data.Paid && paidAt == nil {
		paidAt = &now
	}
	amountPaid := inv.AmountPaid
	if data.Paid && amountPaid == 0 {
		amountPaid = inv.AmountDue
	}

	if _, err := r.repo.UpsertInvoice(ctx, tx, &domain.Invoice{
		ID:                r.genID.Generate(),
		OrgID:             sub.OrgID,
		SubscriptionID:    sub.ID,
		ProviderInvoiceID: inv.ID,
		AmountDue:         inv.AmountDue,
		AmountPaid:        amountPaid,
		Currency:          currency,
		Status:            status,
		BillingReason:     inv.BillingReason,
		PeriodStart:       inv.PeriodStart,
		PeriodEnd:         inv.PeriodEnd,
		PaidAt:            paidAt,
		HostedInvoiceURL:  inv.HostedInvoiceURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return domain.Result{}, fmt.Errorf("upsert invoice: %w", err)
	}

	if data.Paid && sub.Status == domain.SubscriptionStatusPastDue {
		sub.Status = domain.SubscriptionStatusActive
		sub.UpdatedAt = now
		if err := r.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return domain.Result{}, fmt.Errorf("restore subscription: %w", err)
		}
		r.log.Info("subscription restored to active",
			zap.String("event_id", event.ID),
			zap.String("subscription_id", sub.ProviderSubscriptionID),
		)
	}

	var result domain.Result
	result.Link(sub.OrgID, sub.ID)
	return result, nil
}
