package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetOrganization(ctx context.Context, id snowflake.ID) (*Organization, error)
	UpdateBillingFields(ctx context.Context, id snowflake.ID, name, billingEmail string, at time.Time) error
	ListMemberEmails(ctx context.Context, orgID snowflake.ID, roles []string) ([]string, error)
}
