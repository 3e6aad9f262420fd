package handler

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/inkpress/internal/billing/billingtest"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orgRow struct {
	Name         string
	BillingEmail string
	UpdatedAt    time.Time
}

func (f *fixture) organization(id any) orgRow {
	f.t.Helper()
	var row orgRow
	require.NoError(f.t, f.db.Raw(`SELECT name, billing_email, updated_at FROM organizations WHERE id = ?`, id).Scan(&row).Error)
	return row
}

func TestCustomerUpdatedSyncsOnlyDifferences(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")
	billingtest.SeedOrganization(t, f.db, orgID, "Acme", "billing@acme.test")
	before := f.organization(orgID)

	f.clock.Advance(time.Hour)
	f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID: "cus_1",
		Name:       "Acme",
		Email:      "BILLING@acme.test",
	}))
	unchanged := f.organization(orgID)
	assert.Equal(t, "billing@acme.test", unchanged.BillingEmail)
	assert.True(t, unchanged.UpdatedAt.Equal(before.UpdatedAt), "no write when values match")

	f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID: "cus_1",
		Name:       "Acme Publishing",
		Email:      "",
	}))
	changed := f.organization(orgID)
	assert.Equal(t, "Acme Publishing", changed.Name)
	assert.Equal(t, "billing@acme.test", changed.BillingEmail, "blank provider values never clear stored ones")
	assert.True(t, changed.UpdatedAt.Equal(testNow.Add(time.Hour)))
}

func TestCustomerUpdatedSyncsEmailWhenNameIsBlank(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")
	billingtest.SeedOrganization(t, f.db, orgID, "", "old@acme.test")

	f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID: "cus_1",
		Email:      "finance@acme.test",
	}))
	row := f.organization(orgID)
	assert.Equal(t, "", row.Name)
	assert.Equal(t, "finance@acme.test", row.BillingEmail)
}

func TestCustomerUpdatedResolvesOrgFromMetadata(t *testing.T) {
	f := newFixture(t)
	orgID := f.node.Generate()
	billingtest.SeedOrganization(t, f.db, orgID, "Beta", "")

	result := f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID: "cus_new",
		Email:      "finance@beta.test",
		Metadata:   map[string]string{domain.MetadataOrganizationID: orgID.String()},
	}))
	require.NotNil(t, result.OrgID)
	assert.Equal(t, orgID, *result.OrgID)
	assert.Equal(t, "finance@beta.test", f.organization(orgID).BillingEmail)
}

func TestCustomerUpdatedUnknownCustomerIsNoop(t *testing.T) {
	f := newFixture(t)
	result := f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{CustomerID: "cus_unknown", Name: "Nobody"}))
	assert.Nil(t, result.OrgID)
}

func TestCustomerUpdatedPromotesDefaultPaymentMethod(t *testing.T) {
	f := newFixture(t)
	orgID := f.seedSubscription("active")
	billingtest.SeedOrganization(t, f.db, orgID, "Acme", "billing@acme.test")

	f.mustApply(attach("pm_1"))
	f.clock.Advance(time.Minute)
	f.mustApply(attach("pm_2"))
	require.Equal(t, []string{"pm_1"}, f.defaults(orgID))

	f.mustApply(event(domain.EventCustomerUpdated, domain.CustomerUpdated{
		CustomerID:             "cus_1",
		DefaultPaymentMethodID: "pm_2",
	}))
	assert.Equal(t, []string{"pm_2"}, f.defaults(orgID))

	pm, err := f.repo.FindPaymentMethod(context.Background(), f.db, "pm_1")
	require.NoError(t, err)
	assert.False(t, pm.IsDefault)
}
