package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists billing state. Every method takes the handle to run on so
// callers can pass either the pool or an open transaction.
type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	LockEvent(ctx context.Context, db *gorm.DB, eventID string) (*EventRecord, error)
	BeginAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	LinkEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, orgID *snowflake.ID, subscriptionID *snowflake.ID) error
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	RecordFailure(ctx context.Context, db *gorm.DB, eventID string, message string, at time.Time) error

	FindSubscription(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindSubscriptionByCustomer(ctx context.Context, db *gorm.DB, providerCustomerID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error

	UpsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) (*Invoice, error)

	FindPaymentMethod(ctx context.Context, db *gorm.DB, providerPaymentMethodID string) (*PaymentMethod, error)
	LockActivePaymentMethods(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]PaymentMethod, error)
	InsertPaymentMethod(ctx context.Context, db *gorm.DB, pm *PaymentMethod) error
	UpdatePaymentMethod(ctx context.Context, db *gorm.DB, pm *PaymentMethod) error
	ClearDefaultPaymentMethod(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) error
}

// Provider is the payment provider client.
type Provider interface {
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error)
}

// BillingProfile is the billing-relevant subset of an organization.
type BillingProfile struct {
	OrgID        snowflake.ID
	Name         string
	BillingEmail string
}

// Directory is the organization directory owned by the CMS.
type Directory interface {
	GetAdminEmails(ctx context.Context, orgID snowflake.ID) ([]string, error)
	GetBillingProfile(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*BillingProfile, error)
	UpdateBillingProfile(ctx context.Context, db *gorm.DB, profile BillingProfile) error
}

// NoticeKind identifies a billing notice template.
type NoticeKind string

const (
	NoticeTrialEnding     NoticeKind = "trial_ending"
	NoticeInvoiceUpcoming NoticeKind = "invoice_upcoming"
)

// Notice is a structured, already-worded billing notice.
type Notice struct {
	Kind       NoticeKind
	OrgID      snowflake.ID
	EventID    string
	Recipients []string
	Subject    string
	Headline   string
	Lines      []string
	ActionURL  string
}

// Notifier delivers notices to organization admins.
type Notifier interface {
	SendNotice(ctx context.Context, notice Notice) error
}

// AfterCommit is a side effect deferred until the processing transaction commits.
type AfterCommit func(ctx context.Context) error

// Result is what a state handler reports back to the orchestrator.
type Result struct {
	OrgID          *snowflake.ID
	SubscriptionID *snowflake.ID
	AfterCommit    []AfterCommit
	Ignored        bool
}

// Link records the organization/subscription a handler ended up touching.
func (r *Result) Link(orgID snowflake.ID, subscriptionID snowflake.ID) {
	if orgID != 0 {
		id := orgID
		r.OrgID = &id
	}
	if subscriptionID != 0 {
		id := subscriptionID
		r.SubscriptionID = &id
	}
}

// Defer queues fn to run after commit.
func (r *Result) Defer(fn AfterCommit) {
	if fn == nil {
		return
	}
	r.AfterCommit = append(r.AfterCommit, fn)
}

// Delivery is the result of ingesting one webhook request.
type Delivery struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Err       error
}

// Service ingests provider webhooks.
type Service interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) Delivery
}
