package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/organization/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) GetOrganization(ctx context.Context, id snowflake.ID) (*domain.Organization, error) {
	var orgs []domain.Organization
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name, slug, billing_email, created_at, updated_at
		 FROM organizations
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&orgs).Error
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	return &orgs[0], nil
}

func (r *repository) UpdateBillingFields(ctx context.Context, id snowflake.ID, name, billingEmail string, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET name = ?, billing_email = ?, updated_at = ?
		 WHERE id = ?`,
		name,
		billingEmail,
		at,
		id,
	).Error
}

func (r *repository) ListMemberEmails(ctx context.Context, orgID snowflake.ID, roles []string) ([]string, error) {
	var emails []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT u.email
		 FROM organization_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.org_id = ? AND m.role IN ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		orgID,
		roles,
	).Scan(&emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}
