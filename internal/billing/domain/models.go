// Package domain contains persistence models and contracts for billing state synchronization.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the durable ledger row for one provider event id.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	EventID         string         `gorm:"size:255;not null;uniqueIndex:ux_billing_events_event_id" json:"event_id"`
	EventType       string         `gorm:"type:text;not null" json:"event_type"`
	Payload         datatypes.JSON `gorm:"not null" json:"payload"`
	OrgID           *snowflake.ID  `gorm:"index" json:"org_id,omitempty"`
	SubscriptionID  *snowflake.ID  `gorm:"index" json:"subscription_id,omitempty"`
	Attempts        int            `gorm:"not null;default:0" json:"attempts"`
	ProcessingError *string        `gorm:"type:text" json:"processing_error,omitempty"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "billing_events" }

// Processed reports whether the event was fully applied.
func (e *EventRecord) Processed() bool {
	return e != nil && e.ProcessedAt != nil
}

// SubscriptionStatus mirrors the provider subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus normalizes a provider status. Unknown values are rejected.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	switch status := SubscriptionStatus(raw); status {
	case SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled,
		SubscriptionStatusUnpaid,
		SubscriptionStatusIncomplete,
		SubscriptionStatusIncompleteExpired,
		SubscriptionStatusPaused:
		return status, true
	default:
		return "", false
	}
}

// Subscription is the local projection of a provider subscription.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID                  snowflake.ID       `gorm:"not null;index" json:"org_id"`
	ProviderCustomerID     string             `gorm:"size:255;not null;index" json:"provider_customer_id"`
	ProviderSubscriptionID string             `gorm:"size:255;not null;uniqueIndex:ux_billing_subscriptions_provider_id" json:"provider_subscription_id"`
	ProviderPriceID        string             `gorm:"type:text" json:"provider_price_id"`
	PlanTier               string             `gorm:"type:text;not null" json:"plan_tier"`
	BillingCycle           string             `gorm:"type:text;not null" json:"billing_cycle"`
	Status                 SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	Amount                 int64              `gorm:"not null" json:"amount"`
	Currency               string             `gorm:"type:text;not null" json:"currency"`
	CreatedAt              time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "billing_subscriptions" }

// Invoice is the local projection of a provider invoice.
type Invoice struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID `gorm:"not null;index" json:"org_id"`
	SubscriptionID    snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	ProviderInvoiceID string       `gorm:"size:255;not null;uniqueIndex:ux_billing_invoices_provider_id" json:"provider_invoice_id"`
	AmountDue         int64        `gorm:"not null" json:"amount_due"`
	AmountPaid        int64        `gorm:"not null" json:"amount_paid"`
	Currency          string       `gorm:"type:text;not null" json:"currency"`
	Status            string       `gorm:"type:text;not null" json:"status"`
	BillingReason     string       `gorm:"type:text" json:"billing_reason"`
	PeriodStart       *time.Time   `json:"period_start,omitempty"`
	PeriodEnd         *time.Time   `json:"period_end,omitempty"`
	PaidAt            *time.Time   `json:"paid_at,omitempty"`
	HostedInvoiceURL  string       `gorm:"type:text" json:"hosted_invoice_url"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "billing_invoices" }

const (
	InvoiceStatusPaid = "paid"
	InvoiceStatusOpen = "open"
)

// PaymentMethod is a provider payment method attached to an organization.
type PaymentMethod struct {
	ID                      snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID                   snowflake.ID `gorm:"not null;index" json:"org_id"`
	ProviderPaymentMethodID string       `gorm:"size:255;not null;uniqueIndex:ux_billing_payment_methods_provider_id" json:"provider_payment_method_id"`
	ProviderCustomerID      string       `gorm:"type:text;not null" json:"provider_customer_id"`
	Type                    string       `gorm:"type:text;not null" json:"type"`
	CardBrand               string       `gorm:"type:text" json:"card_brand"`
	CardLast4               string       `gorm:"type:text" json:"card_last4"`
	CardExpMonth            int          `json:"card_exp_month"`
	CardExpYear             int          `json:"card_exp_year"`
	IsDefault               bool         `gorm:"not null;default:false" json:"is_default"`
	DeletedAt               *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt               time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PaymentMethod) TableName() string { return "billing_payment_methods" }

// Active reports whether the payment method is not soft-deleted.
func (p *PaymentMethod) Active() bool {
	return p != nil && p.DeletedAt == nil
}
