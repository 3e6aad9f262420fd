package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Provider event types handled by the billing engine.
const (
	EventCheckoutCompleted        = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventInvoiceUpcoming          = "invoice.upcoming"
	EventCustomerUpdated          = "customer.updated"
	EventPaymentMethodAttached    = "payment_method.attached"
	EventPaymentMethodDetached    = "payment_method.detached"
)

// Metadata keys the checkout flow stamps on provider objects.
const (
	MetadataOrganizationID = "organization_id"
	MetadataPlanTier       = "plan_tier"
	MetadataBillingCycle   = "billing_cycle"
)

// Event is a verified provider event. Data holds the variant for the event type,
// or nil when the type is not recognized.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Raw     []byte
	Data    EventData
}

// EventData is implemented by every per-type payload variant.
type EventData interface {
	eventData()
}

// CheckoutCompleted is the payload of checkout.session.completed.
type CheckoutCompleted struct {
	SessionID         string
	Mode              string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// SubscriptionChanged is the payload of customer.subscription.created/updated.
type SubscriptionChanged struct {
	Subscription SubscriptionDetails
}

// SubscriptionDeleted is the payload of customer.subscription.deleted.
type SubscriptionDeleted struct {
	Subscription SubscriptionDetails
}

// TrialWillEnd is the payload of customer.subscription.trial_will_end.
type TrialWillEnd struct {
	Subscription SubscriptionDetails
}

// InvoiceSettled is the payload of invoice.paid, invoice.payment_succeeded and
// invoice.payment_failed.
type InvoiceSettled struct {
	Invoice InvoiceDetails
	Paid    bool
}

// InvoiceUpcoming is the payload of invoice.upcoming.
type InvoiceUpcoming struct {
	Invoice InvoiceDetails
}

// CustomerUpdated is the payload of customer.updated.
type CustomerUpdated struct {
	CustomerID             string
	Name                   string
	Email                  string
	DefaultPaymentMethodID string
	Metadata               map[string]string
}

// PaymentMethodChanged is the payload of payment_method.attached/detached.
// PreviousCustomerID is set on detach, where the method no longer has a customer.
type PaymentMethodChanged struct {
	PaymentMethod      PaymentMethodDetails
	Attached           bool
	PreviousCustomerID string
}

func (CheckoutCompleted) eventData()    {}
func (SubscriptionChanged) eventData()  {}
func (SubscriptionDeleted) eventData()  {}
func (TrialWillEnd) eventData()         {}
func (InvoiceSettled) eventData()       {}
func (InvoiceUpcoming) eventData()      {}
func (CustomerUpdated) eventData()      {}
func (PaymentMethodChanged) eventData() {}

// LineItem is one priced item of a subscription.
type LineItem struct {
	PriceID    string
	UnitAmount int64
	Quantity   int64
}

// SubscriptionDetails is the provider view of a subscription.
type SubscriptionDetails struct {
	ID                 string
	CustomerID         string
	Status             string
	Currency           string
	Items              []LineItem
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// TotalAmount sums unit price times quantity over every line item.
func (s SubscriptionDetails) TotalAmount() int64 {
	var total int64
	for _, item := range s.Items {
		total += item.UnitAmount * item.Quantity
	}
	return total
}

// PrimaryPriceID returns the price of the first line item.
func (s SubscriptionDetails) PrimaryPriceID() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].PriceID
}

// Classification is the plan metadata needed to create a subscription row.
type Classification struct {
	OrgID        snowflake.ID
	PlanTier     string
	BillingCycle string
}

// Classification extracts organization, plan tier and billing cycle from metadata.
// ok is false unless all three are present and the organization id parses.
func (s SubscriptionDetails) Classification() (Classification, bool) {
	return ClassificationFromMetadata(s.Metadata)
}

// ClassificationFromMetadata reads classification keys from provider metadata.
func ClassificationFromMetadata(metadata map[string]string) (Classification, bool) {
	orgID, ok := OrgIDFromMetadata(metadata)
	if !ok {
		return Classification{}, false
	}
	tier := strings.TrimSpace(metadata[MetadataPlanTier])
	cycle := strings.TrimSpace(metadata[MetadataBillingCycle])
	if tier == "" || cycle == "" {
		return Classification{}, false
	}
	return Classification{OrgID: orgID, PlanTier: tier, BillingCycle: cycle}, true
}

// OrgIDFromMetadata parses the organization id stamped on provider metadata.
func OrgIDFromMetadata(metadata map[string]string) (snowflake.ID, bool) {
	return ParseOrgID(metadata[MetadataOrganizationID])
}

// ParseOrgID parses a snowflake organization id.
func ParseOrgID(raw string) (snowflake.ID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// InvoiceDetails is the provider view of an invoice.
type InvoiceDetails struct {
	ID               string
	CustomerID       string
	SubscriptionID   string
	AmountDue        int64
	AmountPaid       int64
	Currency         string
	Status           string
	BillingReason    string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	PaidAt           *time.Time
	NextPaymentAt    *time.Time
	HostedInvoiceURL string
}

// PaymentMethodDetails is the provider view of a payment method.
type PaymentMethodDetails struct {
	ID         string
	CustomerID string
	Type       string
	CardBrand  string
	CardLast4  string
	ExpMonth   int
	ExpYear    int
}

// Enrichment carries provider data fetched before the processing transaction.
type Enrichment struct {
	Subscription *SubscriptionDetails
}
