package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations for the billing tables.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "billing_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the billing tables from the models on databases the SQL
// migrations do not target. Only sqlite gets the partial default index; mysql
// has no partial indexes and relies on the handlers clearing the old default.
func AutoMigrate(conn *gorm.DB) error {
	err := conn.AutoMigrate(
		&billingdomain.EventRecord{},
		&billingdomain.Subscription{},
		&billingdomain.Invoice{},
		&billingdomain.PaymentMethod{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate billing: %w", err)
	}

	if conn.Dialector.Name() == "sqlite" {
		err := conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_payment_methods_default
			ON billing_payment_methods (org_id) WHERE is_default AND deleted_at IS NULL`).Error
		if err != nil {
			return fmt.Errorf("create default payment method index: %w", err)
		}
	}
	return nil
}
