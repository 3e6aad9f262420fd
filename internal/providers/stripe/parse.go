package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/stripe/stripe-go/v81"
)

// ParseEvent decodes a verified event. Unrecognized types keep a nil Data.
func ParseEvent(event stripe.Event, payload []byte) (*domain.Event, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: event id is empty", domain.ErrInvalidPayload)
	}

	out := &domain.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Raw:     payload,
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}
	raw := event.Data.Raw

	var err error
	switch out.Type {
	case domain.EventCheckoutCompleted:
		var v checkoutSession
		if err = decode(raw, &v); err == nil {
			out.Data = domain.CheckoutCompleted{
				SessionID:         v.ID,
				Mode:              v.Mode,
				CustomerID:        v.Customer.ID,
				SubscriptionID:    v.Subscription.ID,
				ClientReferenceID: v.ClientReferenceID,
				Metadata:          v.Metadata,
			}
		}
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated:
		var v stripeSubscription
		if err = decode(raw, &v); err == nil {
			out.Data = domain.SubscriptionChanged{Subscription: v.details()}
		}
	case domain.EventSubscriptionDeleted:
		var v stripeSubscription
		if err = decode(raw, &v); err == nil {
			out.Data = domain.SubscriptionDeleted{Subscription: v.details()}
		}
	case domain.EventSubscriptionTrialWillEnd:
		var v stripeSubscription
		if err = decode(raw, &v); err == nil {
			out.Data = domain.TrialWillEnd{Subscription: v.details()}
		}
	case domain.EventInvoicePaid, domain.EventInvoicePaymentSucceeded, domain.EventInvoicePaymentFailed:
		var v stripeInvoice
		if err = decode(raw, &v); err == nil {
			out.Data = domain.InvoiceSettled{
				Invoice: v.details(),
				Paid:    out.Type != domain.EventInvoicePaymentFailed,
			}
		}
	case domain.EventInvoiceUpcoming:
		var v stripeInvoice
		if err = decode(raw, &v); err == nil {
			out.Data = domain.InvoiceUpcoming{Invoice: v.details()}
		}
	case domain.EventCustomerUpdated:
		var v stripeCustomer
		if err = decode(raw, &v); err == nil {
			out.Data = domain.CustomerUpdated{
				CustomerID:             v.ID,
				Name:                   v.Name,
				Email:                  v.Email,
				DefaultPaymentMethodID: v.InvoiceSettings.DefaultPaymentMethod.ID,
				Metadata:               v.Metadata,
			}
		}
	case domain.EventPaymentMethodAttached, domain.EventPaymentMethodDetached:
		var v stripePaymentMethod
		if err = decode(raw, &v); err == nil {
			change := domain.PaymentMethodChanged{
				PaymentMethod: v.details(),
				Attached:      out.Type == domain.EventPaymentMethodAttached,
			}
			if previous, ok := event.Data.PreviousAttributes["customer"].(string); ok {
				change.PreviousCustomerID = previous
			}
			out.Data = change
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrInvalidPayload, out.Type, out.ID, err)
	}
	return out, nil
}

func decode(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// expandable holds an id that the API returns either as a string or as an
// expanded object.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		e.ID = ""
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	Currency           string            `json:"currency"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Quantity           *int64 `json:"quantity"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID         string `json:"id"`
				Currency   string `json:"currency"`
				UnitAmount int64  `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s stripeSubscription) details() domain.SubscriptionDetails {
	out := domain.SubscriptionDetails{
		ID:                s.ID,
		CustomerID:        s.Customer.ID,
		Status:            s.Status,
		Currency:          s.Currency,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixTime(s.CanceledAt),
		TrialEnd:          unixTime(s.TrialEnd),
		Metadata:          s.Metadata,
	}

	periodStart, periodEnd := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		// An absent quantity means a single unit; an explicit 0 is a zero-seat item.
		quantity := int64(1)
		if item.Quantity != nil {
			quantity = *item.Quantity
		}
		out.Items = append(out.Items, domain.LineItem{
			PriceID:    item.Price.ID,
			UnitAmount: item.Price.UnitAmount,
			Quantity:   quantity,
		})
		// Newer API versions report the billing period per item.
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
		if out.Currency == "" {
			out.Currency = item.Price.Currency
		}
	}
	out.CurrentPeriodStart = unixTime(periodStart)
	out.CurrentPeriodEnd = unixTime(periodEnd)
	return out
}

type stripeInvoice struct {
	ID                 string     `json:"id"`
	Customer           expandable `json:"customer"`
	Subscription       expandable `json:"subscription"`
	AmountDue          int64      `json:"amount_due"`
	AmountPaid         int64      `json:"amount_paid"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	BillingReason      string     `json:"billing_reason"`
	PeriodStart        int64      `json:"period_start"`
	PeriodEnd          int64      `json:"period_end"`
	NextPaymentAttempt int64      `json:"next_payment_attempt"`
	HostedInvoiceURL   string     `json:"hosted_invoice_url"`
	StatusTransitions  struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i stripeInvoice) details() domain.InvoiceDetails {
	subscriptionID := i.Subscription.ID
	if subscriptionID == "" {
		subscriptionID = i.Parent.SubscriptionDetails.Subscription.ID
	}
	return domain.InvoiceDetails{
		ID:               i.ID,
		CustomerID:       i.Customer.ID,
		SubscriptionID:   subscriptionID,
		AmountDue:        i.AmountDue,
		AmountPaid:       i.AmountPaid,
		Currency:         i.Currency,
		Status:           i.Status,
		BillingReason:    i.BillingReason,
		PeriodStart:      unixTime(i.PeriodStart),
		PeriodEnd:        unixTime(i.PeriodEnd),
		PaidAt:           unixTime(i.StatusTransitions.PaidAt),
		NextPaymentAt:    unixTime(i.NextPaymentAttempt),
		HostedInvoiceURL: i.HostedInvoiceURL,
	}
}

type stripeCustomer struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Email           string            `json:"email"`
	Metadata        map[string]string `json:"metadata"`
	InvoiceSettings struct {
		DefaultPaymentMethod expandable `json:"default_payment_method"`
	} `json:"invoice_settings"`
}

type stripePaymentMethod struct {
	ID       string     `json:"id"`
	Customer expandable `json:"customer"`
	Type     string     `json:"type"`
	Card     struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

func (p stripePaymentMethod) details() domain.PaymentMethodDetails {
	return domain.PaymentMethodDetails{
		ID:         p.ID,
		CustomerID: p.Customer.ID,
		Type:       p.Type,
		CardBrand:  p.Card.Brand,
		CardLast4:  p.Card.Last4,
		ExpMonth:   p.Card.ExpMonth,
		ExpYear:    p.Card.ExpYear,
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
