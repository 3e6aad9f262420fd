package handler

import (
	"testing"
	"time"

	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/billing/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	details := subscriptionDetails("sub_1", "trialing", orgID)
	details.Metadata = nil

	checkout := event(domain.EventCheckoutCompleted, domain.CheckoutCompleted{
		SessionID:         "cs_1",
		Mode:              "subscription",
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_1",
		ClientReferenceID: orgID.String(),
		Metadata: map[string]string{
			domain.MetadataPlanTier:     "team",
			domain.MetadataBillingCycle: "yearly",
		},
	})
	result, err := f.apply(checkout, domain.Enrichment{Subscription: &details})
	require.NoError(t, err)

	sub := f.subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, orgID, sub.OrgID)
	assert.Equal(t, int64(2500), sub.Amount)
	assert.Equal(t, "USD", sub.Currency)
	assert.Equal(t, "team", sub.PlanTier)
	assert.Equal(t, "yearly", sub.BillingCycle)
	assert.Equal(t, "price_seat", sub.ProviderPriceID)
	assert.Equal(t, domain.SubscriptionStatusTrialing, sub.Status)

	require.NotNil(t, result.OrgID)
	require.NotNil(t, result.SubscriptionID)
	assert.Equal(t, sub.ID, *result.SubscriptionID)
}

func TestCheckoutCompletedValidation(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	details := subscriptionDetails("sub_1", "active", orgID)

	cases := []struct {
		name       string
		data       domain.CheckoutCompleted
		enrichment domain.Enrichment
		kind       domain.ErrorKind
	}{
		{
			name:       "missing organization",
			data:       domain.CheckoutCompleted{Mode: "subscription", CustomerID: "cus_1", SubscriptionID: "sub_1"},
			enrichment: domain.Enrichment{Subscription: &details},
			kind:       domain.KindPermanent,
		},
		{
			name:       "missing customer",
			data:       domain.CheckoutCompleted{Mode: "subscription", SubscriptionID: "sub_1", ClientReferenceID: orgID.String()},
			enrichment: domain.Enrichment{Subscription: &details},
			kind:       domain.KindPermanent,
		},
		{
			name: "enrichment missing",
			data: domain.CheckoutCompleted{Mode: "subscription", CustomerID: "cus_1", SubscriptionID: "sub_1", ClientReferenceID: orgID.String()},
			kind: domain.KindTransient,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.apply(event(domain.EventCheckoutCompleted, tc.data), tc.enrichment)
			require.Error(t, err)
			assert.Equal(t, tc.kind, retry.Classify(err))
			assert.Nil(t, f.subscription("sub_1"))
		})
	}
}

func TestCheckoutCompletedIgnoresOneTimePayments(t *testing.T) {
	f := newFixture(t)
	result := f.mustApply(event(domain.EventCheckoutCompleted, domain.CheckoutCompleted{Mode: "payment"}))
	assert.True(t, result.Ignored)
}

func TestSubscriptionUpdatedBeforeCreationIsTransient(t *testing.T) {
	f := newFixture(t)
	details := subscriptionDetails("sub_1", "active", f.node.Generate())
	details.Metadata = nil

	_, err := f.apply(event(domain.EventSubscriptionUpdated, domain.SubscriptionChanged{Subscription: details}), domain.Enrichment{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	assert.Equal(t, domain.KindTransient, retry.Classify(err))
	assert.Nil(t, f.subscription("sub_1"))
}

func TestSubscriptionUpdatedWithoutMetadataUpdatesExisting(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("trialing")

	details := subscriptionDetails("sub_1", "past_due", orgID)
	details.Metadata = nil
	details.CancelAtPeriodEnd = true
	details.Items = []domain.LineItem{{PriceID: "price_seat", UnitAmount: 1000, Quantity: 5}}
	f.clock.Advance(time.Hour)

	f.mustApply(event(domain.EventSubscriptionUpdated, domain.SubscriptionChanged{Subscription: details}))

	sub := f.subscription("sub_1")
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, int64(5000), sub.Amount)
	assert.Equal(t, "pro", sub.PlanTier)
	assert.Equal(t, orgID, sub.OrgID)
}

func TestSubscriptionUpdatedIsLastWriteWins(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")

	f.mustApply(event(domain.EventSubscriptionUpdated, domain.SubscriptionChanged{Subscription: subscriptionDetails("sub_1", "past_due", orgID)}))
	f.mustApply(event(domain.EventSubscriptionUpdated, domain.SubscriptionChanged{Subscription: subscriptionDetails("sub_1", "active", orgID)}))

	assert.Equal(t, domain.SubscriptionStatusActive, f.subscription("sub_1").Status)
}

func TestSubscriptionUpdatedRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")

	_, err := f.apply(event(domain.EventSubscriptionUpdated, domain.SubscriptionChanged{Subscription: subscriptionDetails("sub_1", "frozen", orgID)}), domain.Enrichment{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.Equal(t, domain.KindPermanent, retry.Classify(err))
}

func TestSubscriptionDeleted(t *testing.T) {
	t.Run("marks canceled", func(t *testing.T) {
		f := newFixture(t)
		orgID := f.seedSubscription("active")
		f.clock.Advance(time.Hour)

		f.mustApply(event(domain.EventSubscriptionDeleted, domain.SubscriptionDeleted{Subscription: subscriptionDetails("sub_1", "canceled", orgID)}))

		sub := f.subscription("sub_1")
		assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.True(t, sub.CanceledAt.Equal(testNow.Add(time.Hour)))
	})

	t.Run("unknown subscription is transient", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.apply(event(domain.EventSubscriptionDeleted, domain.SubscriptionDeleted{
			Subscription: domain.SubscriptionDetails{ID: "sub_missing"},
		}), domain.Enrichment{})
		require.Error(t, err)
		assert.Equal(t, domain.KindTransient, retry.Classify(err))
	})
}
