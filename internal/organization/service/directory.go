package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type directory struct {
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

// NewDirectory exposes organizations to the billing engine.
func NewDirectory(p Params) billingdomain.Directory {
	d := &directory{
		log:   p.Log.Named("organization.directory"),
		repo:  p.Repo,
		clock: p.Clock,
	}
	if d.clock == nil {
		d.clock = clock.System()
	}
	return d
}

// GetAdminEmails lists owner and admin addresses, deduplicated case-insensitively
// in membership order. It reads from the pool and is meant for post-commit use.
func (d *directory) GetAdminEmails(ctx context.Context, orgID snowflake.ID) ([]string, error) {
	if orgID == 0 {
		return nil, ErrInvalidOrganization
	}
	emails, err := d.repo.ListMemberEmails(ctx, orgID, domain.AdminRoles)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		email = strings.TrimSpace(email)
		if !strings.Contains(email, "@") {
			continue
		}
		key := strings.ToLower(email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, email)
	}
	return out, nil
}

func (d *directory) GetBillingProfile(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*billingdomain.BillingProfile, error) {
	if orgID == 0 {
		return nil, ErrInvalidOrganization
	}
	org, err := d.repo.WithTx(db).GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, nil
	}
	return &billingdomain.BillingProfile{
		OrgID:        org.ID,
		Name:         org.Name,
		BillingEmail: org.BillingEmail,
	}, nil
}

func (d *directory) UpdateBillingProfile(ctx context.Context, db *gorm.DB, profile billingdomain.BillingProfile) error {
	if profile.OrgID == 0 {
		return billingdomain.Permanent("update_billing_profile", ErrInvalidOrganization)
	}
	repo := d.repo.WithTx(db)
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		// A blank name never overwrites the stored one, which may itself be blank.
		org, err := repo.GetOrganization(ctx, profile.OrgID)
		if err != nil {
			return err
		}
		if org == nil {
			return billingdomain.Permanent("update_billing_profile", ErrInvalidOrganization)
		}
		name = org.Name
	}

	if err := repo.UpdateBillingFields(ctx, profile.OrgID, name, strings.TrimSpace(profile.BillingEmail), d.clock.Now()); err != nil {
		return fmt.Errorf("update organization %s: %w", profile.OrgID, err)
	}
	d.log.Info("organization billing profile synchronized",
		zap.String("org_id", profile.OrgID.String()),
	)
	return nil
}
