package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	pkgdb "github.com/smallbiznis/inkpress/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.EventRecord, error) {
	var rows []domain.EventRecord
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// LockEvent selects the event row with FOR UPDATE SKIP LOCKED. A nil record
// with a nil error means another transaction holds the row.
func (r *repo) LockEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.EventRecord, error) {
	var rows []domain.EventRecord
	query := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Limit(1)
	if pkgdb.SupportsSkipLocked(db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) BeginAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": at,
		}).Error
}

func (r *repo) LinkEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, orgID *snowflake.ID, subscriptionID *snowflake.ID) error {
	updates := map[string]any{}
	if orgID != nil {
		updates["org_id"] = *orgID
	}
	if subscriptionID != nil {
		updates["subscription_id"] = *subscriptionID
	}
	if len(updates) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at":     at,
			"processing_error": nil,
			"updated_at":       at,
		}).Error
}

// RecordFailure stores message against an unprocessed event and counts the
// attempt, since the attempt recorded inside a rolled-back transaction is lost.
func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, eventID string, message string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("event_id = ? AND processed_at IS NULL", eventID).
		Updates(map[string]any{
			"attempts":         gorm.Expr("attempts + 1"),
			"processing_error": message,
			"updated_at":       at,
		}).Error
}

func (r *repo) FindSubscription(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*domain.Subscription, error) {
	var rows []domain.Subscription
	err := db.WithContext(ctx).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindSubscriptionByCustomer(ctx context.Context, db *gorm.DB, providerCustomerID string) (*domain.Subscription, error) {
	var rows []domain.Subscription
	err := db.WithContext(ctx).
		Where("provider_customer_id = ?", providerCustomerID).
		Order("updated_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (*domain.Subscription, error) {
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider_subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"org_id",
				"provider_customer_id",
				"provider_price_id",
				"plan_tier",
				"billing_cycle",
				"status",
				"current_period_start",
				"current_period_end",
				"cancel_at_period_end",
				"canceled_at",
				"trial_end",
				"amount",
				"currency",
				"updated_at",
			}),
		}).
		Create(sub).Error
	if err != nil {
		return nil, err
	}
	return r.FindSubscription(ctx, db, sub.ProviderSubscriptionID)
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"provider_customer_id": sub.ProviderCustomerID,
			"provider_price_id":    sub.ProviderPriceID,
			"status":               sub.Status,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
			"canceled_at":          sub.CanceledAt,
			"trial_end":            sub.TrialEnd,
			"amount":               sub.Amount,
			"currency":             sub.Currency,
			"updated_at":           sub.UpdatedAt,
		}).Error
}

func (r *repo) UpsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) (*domain.Invoice, error) {
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider_invoice_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"org_id",
				"subscription_id",
				"amount_due",
				"amount_paid",
				"currency",
				"status",
				"billing_reason",
				"period_start",
				"period_end",
				"paid_at",
				"hosted_invoice_url",
				"updated_at",
			}),
		}).
		Create(invoice).Error
	if err != nil {
		return nil, err
	}

	var stored domain.Invoice
	if err := db.WithContext(ctx).
		Where("provider_invoice_id = ?", invoice.ProviderInvoiceID).
		Take(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *repo) FindPaymentMethod(ctx context.Context, db *gorm.DB, providerPaymentMethodID string) (*domain.PaymentMethod, error) {
	var rows []domain.PaymentMethod
	err := db.WithContext(ctx).
		Where("provider_payment_method_id = ?", providerPaymentMethodID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// LockActivePaymentMethods returns non-deleted methods, most recently created
// first, locked FOR UPDATE until db commits. The org_id index range is locked
// too, so on MySQL a concurrent first attach waits instead of inserting a
// second default.
func (r *repo) LockActivePaymentMethods(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.PaymentMethod, error) {
	var rows []domain.PaymentMethod
	query := db.WithContext(ctx).
		Where("org_id = ? AND deleted_at IS NULL", orgID).
		Order("created_at DESC").
		Order("id DESC")
	if pkgdb.SupportsRowLocks(db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertPaymentMethod(ctx context.Context, db *gorm.DB, pm *domain.PaymentMethod) error {
	return db.WithContext(ctx).Create(pm).Error
}

func (r *repo) UpdatePaymentMethod(ctx context.Context, db *gorm.DB, pm *domain.PaymentMethod) error {
	return db.WithContext(ctx).
		Model(&domain.PaymentMethod{}).
		Where("id = ?", pm.ID).
		Updates(map[string]any{
			"org_id":               pm.OrgID,
			"provider_customer_id": pm.ProviderCustomerID,
			"type":                 pm.Type,
			"card_brand":           pm.CardBrand,
			"card_last4":           pm.CardLast4,
			"card_exp_month":       pm.CardExpMonth,
			"card_exp_year":        pm.CardExpYear,
			"is_default":           pm.IsDefault,
			"deleted_at":           pm.DeletedAt,
			"updated_at":           pm.UpdatedAt,
		}).Error
}

func (r *repo) ClearDefaultPaymentMethod(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.PaymentMethod{}).
		Where("org_id = ? AND is_default = ?", orgID, true).
		Updates(map[string]any{
			"is_default": false,
			"updated_at": at,
		}).Error
}
