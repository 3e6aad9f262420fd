package handler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing/billingtest"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/billing/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func attach(id string) *domain.Event {
	return event(domain.EventPaymentMethodAttached, domain.PaymentMethodChanged{
		Attached: true,
		PaymentMethod: domain.PaymentMethodDetails{
			ID:         id,
			CustomerID: "cus_1",
			Type:       "card",
			CardBrand:  "visa",
			CardLast4:  "4242",
			ExpMonth:   12,
			ExpYear:    2030,
		},
	})
}

func detach(id string) *domain.Event {
	return event(domain.EventPaymentMethodDetached, domain.PaymentMethodChanged{
		PaymentMethod:      domain.PaymentMethodDetails{ID: id},
		PreviousCustomerID: "cus_1",
	})
}

// defaults returns the provider ids of active default methods of orgID.
func (f *fixture) defaults(orgID snowflake.ID) []string {
	f.t.Helper()
	active, err := f.repo.LockActivePaymentMethods(context.Background(), f.db, orgID)
	require.NoError(f.t, err)
	var out []string
	for _, pm := range active {
		if pm.IsDefault {
			out = append(out, pm.ProviderPaymentMethodID)
		}
	}
	return out
}

func TestDefaultPaymentMethodInvariant(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")

	f.mustApply(attach("pm_1"))
	assert.Equal(t, []string{"pm_1"}, f.defaults(orgID), "first method becomes default")

	f.clock.Advance(time.Minute)
	f.mustApply(attach("pm_2"))
	f.clock.Advance(time.Minute)
	f.mustApply(attach("pm_3"))
	assert.Equal(t, []string{"pm_1"}, f.defaults(orgID), "later methods leave the default alone")

	f.mustApply(detach("pm_1"))
	assert.Equal(t, []string{"pm_3"}, f.defaults(orgID), "newest remaining method is promoted")

	f.mustApply(detach("pm_2"))
	assert.Equal(t, []string{"pm_3"}, f.defaults(orgID), "detaching a non-default keeps the default")

	f.mustApply(detach("pm_3"))
	assert.Empty(t, f.defaults(orgID), "detaching the only method leaves no default")
}

func TestPaymentMethodReattachReactivates(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")

	f.mustApply(attach("pm_1"))
	f.mustApply(detach("pm_1"))

	pm, err := f.repo.FindPaymentMethod(context.Background(), f.db, "pm_1")
	require.NoError(t, err)
	assert.False(t, pm.Active())

	f.mustApply(attach("pm_1"))
	pm, err = f.repo.FindPaymentMethod(context.Background(), f.db, "pm_1")
	require.NoError(t, err)
	assert.True(t, pm.Active())
	assert.Equal(t, "4242", pm.CardLast4)
	assert.Equal(t, []string{"pm_1"}, f.defaults(orgID))
}

func TestPaymentMethodAttachedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")

	f.mustApply(attach("pm_1"))
	f.mustApply(attach("pm_1"))

	active, err := f.repo.LockActivePaymentMethods(context.Background(), f.db, orgID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].IsDefault)
}

func TestPaymentMethodAttachedBeforeSubscriptionIsTransient(t *testing.T) {
	f := newFixture(t)
	_, err := f.apply(attach("pm_1"), domain.Enrichment{})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, retry.Classify(err))
}

func TestPaymentMethodDetachedUnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	result, err := f.apply(detach("pm_missing"), domain.Enrichment{})
	require.NoError(t, err)
	assert.Nil(t, result.OrgID)
}

// staleListRepo misses rows written by a concurrent transaction.
type staleListRepo struct {
	domain.Repository
}

func (staleListRepo) LockActivePaymentMethods(context.Context, *gorm.DB, snowflake.ID) ([]domain.PaymentMethod, error) {
	return nil, nil
}

func TestConcurrentDefaultIsTransient(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")
	f.mustApply(attach("pm_1"))

	real := f.repo
	f.repo = staleListRepo{Repository: real}
	f.rebuild()

	_, err := f.apply(attach("pm_2"), domain.Enrichment{})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, retry.Classify(err))

	f.repo = real
	assert.Equal(t, []string{"pm_1"}, f.defaults(orgID))
}

func TestPaymentMethodDetachedLogsPreviousCustomer(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	f.log = zap.New(core)
	f.rebuild()
	f.seedSubscription("active")

	f.mustApply(attach("pm_1"))
	f.mustApply(detach("pm_1"))

	entries := logs.FilterMessage("payment method detached").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pm_1", fields["payment_method_id"])
	assert.Equal(t, "cus_1", fields["previous_customer_id"])
	assert.Equal(t, true, fields["was_default"])
}

// lockOrderRepo records the payment-method reads and writes the handlers make.
type lockOrderRepo struct {
	domain.Repository
	calls []string
}

func (r *lockOrderRepo) LockActivePaymentMethods(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.PaymentMethod, error) {
	r.calls = append(r.calls, "lock")
	return r.Repository.LockActivePaymentMethods(ctx, db, orgID)
}

func (r *lockOrderRepo) InsertPaymentMethod(ctx context.Context, db *gorm.DB, pm *domain.PaymentMethod) error {
	r.calls = append(r.calls, "insert")
	return r.Repository.InsertPaymentMethod(ctx, db, pm)
}

func (r *lockOrderRepo) UpdatePaymentMethod(ctx context.Context, db *gorm.DB, pm *domain.PaymentMethod) error {
	r.calls = append(r.calls, "update")
	return r.Repository.UpdatePaymentMethod(ctx, db, pm)
}

func (r *lockOrderRepo) ClearDefaultPaymentMethod(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) error {
	r.calls = append(r.calls, "clear")
	return r.Repository.ClearDefaultPaymentMethod(ctx, db, orgID, at)
}

func (r *lockOrderRepo) take() []string {
	calls := r.calls
	r.calls = nil
	return calls
}

func TestDefaultSelectionLocksActiveMethodsFirst(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")
	billingtest.SeedOrganization(t, f.db, orgID, "Acme", "billing@acme.test")

	recorder := &lockOrderRepo{Repository: f.repo}
	f.repo = recorder
	f.rebuild()

	f.mustApply(attach("pm_1"))
	assert.Equal(t, []string{"lock", "insert"}, recorder.take())

	f.clock.Advance(time.Minute)
	f.mustApply(attach("pm_2"))
	assert.Equal(t, []string{"lock", "insert"}, recorder.take())

	f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID:             "cus_1",
		DefaultPaymentMethodID: "pm_2",
	}))
	assert.Equal(t, []string{"lock", "clear", "update"}, recorder.take())

	f.mustApply(detach("pm_2"))
	assert.Equal(t, []string{"lock", "update", "update"}, recorder.take(), "detach and promotion")
	assert.Equal(t, []string{"pm_1"}, f.defaults(orgID))

	f.mustApply(detach("pm_2"))
	assert.Empty(t, recorder.take(), "an already detached method takes no lock")
}
