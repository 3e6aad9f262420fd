package handler

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const noticeDateLayout = "January 2, 2006"

// trialWillEnd records the trial end and defers the warning until after commit.
func (r *Router) trialWillEnd(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.TrialWillEnd](event)
	if err != nil {
		return domain.Result{}, err
	}
	details := data.Subscription
	if strings.TrimSpace(details.ID) == "" {
		return domain.Result{}, domain.MissingField(event.Type, "subscription.id")
	}

	sub, err := r.repo.FindSubscription(ctx, tx, details.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription: %w", err)
	}
	if sub == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "subscription %s not yet created", details.ID)
	}

	now := r.clock.Now()
	if details.TrialEnd != nil && (sub.TrialEnd == nil || !sub.TrialEnd.Equal(*details.TrialEnd)) {
		sub.TrialEnd = details.TrialEnd
		sub.UpdatedAt = now
		if err := r.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return domain.Result{}, fmt.Errorf("update subscription: %w", err)
		}
	}

	var result domain.Result
	result.Link(sub.OrgID, sub.ID)

	cfg := r.notices.Get()
	if !cfg.TrialEndingEnabled {
		return result, nil
	}

	trialEnd := sub.TrialEnd
	if trialEnd == nil {
		trialEnd = sub.CurrentPeriodEnd
	}
	if trialEnd == nil {
		return domain.Result{}, domain.MissingField(event.Type, "subscription.trial_end")
	}

	days := daysUntil(now, *trialEnd)
	headline := fmt.Sprintf("Your %s trial ends in %d %s", titleCase(sub.PlanTier), days, plural(days, "day", "days"))
	if days == 0 {
		headline = fmt.Sprintf("Your %s trial ends today", titleCase(sub.PlanTier))
	}
	lines := []string{
		fmt.Sprintf("Trial ends on %s.", trialEnd.UTC().Format(noticeDateLayout)),
	}
	if sub.CancelAtPeriodEnd {
		lines = append(lines, "Your subscription is set to cancel when the trial ends.")
	} else {
		lines = append(lines, fmt.Sprintf("You will then be billed %s per %s.",
			domain.DisplayAmount(sub.Amount, sub.Currency), cycleUnit(sub.BillingCycle)))
	}

	result.Defer(r.sendNotice(domain.Notice{
		Kind:      domain.NoticeTrialEnding,
		OrgID:     sub.OrgID,
		EventID:   event.ID,
		Subject:   cfg.TrialEndingSubject,
		Headline:  headline,
		Lines:     lines,
		ActionURL: cfg.DashboardURL,
	}))
	return result, nil
}

// invoiceUpcoming defers an upcoming-renewal notice until after commit.
func (r *Router) invoiceUpcoming(ctx context.Context, tx *gorm.DB, event *domain.Event, _ domain.Enrichment) (domain.Result, error) {
	data, err := payload[domain.InvoiceUpcoming](event)
	if err != nil {
		return domain.Result{}, err
	}
	inv := data.Invoice
	if strings.TrimSpace(inv.SubscriptionID) == "" {
		return domain.Result{Ignored: true}, nil
	}

	sub, err := r.repo.FindSubscription(ctx, tx, inv.SubscriptionID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("find subscription: %w", err)
	}
	if sub == nil {
		return domain.Result{}, domain.OutOfOrder(event.Type, "subscription %s not yet created", inv.SubscriptionID)
	}

	var result domain.Result
	result.Link(sub.OrgID, sub.ID)

	cfg := r.notices.Get()
	if !cfg.InvoiceUpcomingEnabled {
		return result, nil
	}

	currency := firstNonEmpty(inv.Currency, sub.Currency)
	lines := []string{
		fmt.Sprintf("Amount due: %s.", domain.DisplayAmount(inv.AmountDue, currency)),
	}
	dueAt := inv.NextPaymentAt
	if dueAt == nil {
		dueAt = inv.PeriodEnd
	}
	if dueAt != nil {
		lines = append(lines, fmt.Sprintf("It will be charged on %s.", dueAt.UTC().Format(noticeDateLayout)))
	}
	actionURL := firstNonEmpty(inv.HostedInvoiceURL, cfg.DashboardURL)

	result.Defer(r.sendNotice(domain.Notice{
		Kind:      domain.NoticeInvoiceUpcoming,
		OrgID:     sub.OrgID,
		EventID:   event.ID,
		Subject:   cfg.InvoiceUpcomingSubject,
		Headline:  fmt.Sprintf("Your %s plan renews soon", titleCase(sub.PlanTier)),
		Lines:     lines,
		ActionURL: actionURL,
	}))
	return result, nil
}

// sendNotice resolves recipients and delivers notice. Content is fixed when the
// closure is built; only the recipient lookup happens after commit.
func (r *Router) sendNotice(notice domain.Notice) domain.AfterCommit {
	return func(ctx context.Context) error {
		recipients, err := r.directory.GetAdminEmails(ctx, notice.OrgID)
		if err != nil {
			return fmt.Errorf("get admin emails: %w", err)
		}
		if len(recipients) == 0 {
			r.log.Warn("no admin recipients for notice",
				zap.String("event_id", notice.EventID),
				zap.String("org_id", notice.OrgID.String()),
				zap.String("kind", string(notice.Kind)),
			)
			return nil
		}
		notice.Recipients = recipients
		return r.notifier.SendNotice(ctx, notice)
	}
}

func daysUntil(now, at time.Time) int {
	if !at.After(now) {
		return 0
	}
	return int(math.Ceil(at.Sub(now).Hours() / 24))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func cycleUnit(cycle string) string {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case "yearly", "annual", "annually", "year":
		return "year"
	default:
		return "month"
	}
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
