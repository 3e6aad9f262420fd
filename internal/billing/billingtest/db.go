// Package billingtest provides in-memory databases and fixtures for billing tests.
package billingtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE billing_events (
		id BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		org_id BIGINT,
		subscription_id BIGINT,
		attempts INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT,
		processed_at DATETIME,
		received_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_events_event_id ON billing_events (event_id)`,
	`CREATE TABLE billing_subscriptions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		provider_customer_id TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL,
		provider_price_id TEXT,
		plan_tier TEXT NOT NULL,
		billing_cycle TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
		canceled_at DATETIME,
		trial_end DATETIME,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_subscriptions_provider_id ON billing_subscriptions (provider_subscription_id)`,
	`CREATE TABLE billing_invoices (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		subscription_id BIGINT NOT NULL,
		provider_invoice_id TEXT NOT NULL,
		amount_due BIGINT NOT NULL,
		amount_paid BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		billing_reason TEXT,
		period_start DATETIME,
		period_end DATETIME,
		paid_at DATETIME,
		hosted_invoice_url TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_invoices_provider_id ON billing_invoices (provider_invoice_id)`,
	`CREATE TABLE billing_payment_methods (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		provider_payment_method_id TEXT NOT NULL,
		provider_customer_id TEXT NOT NULL,
		type TEXT NOT NULL,
		card_brand TEXT,
		card_last4 TEXT,
		card_exp_month INTEGER,
		card_exp_year INTEGER,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_payment_methods_provider_id ON billing_payment_methods (provider_payment_method_id)`,
	`CREATE UNIQUE INDEX ux_billing_payment_methods_default ON billing_payment_methods (org_id) WHERE is_default AND deleted_at IS NULL`,
	`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		billing_email TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE users (
		id BIGINT PRIMARY KEY,
		email TEXT NOT NULL
	)`,
	`CREATE TABLE organization_members (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a fresh in-memory database with the billing schema. A single
// connection serializes writers the way row locks would.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedOrganization inserts an organization row.
func SeedOrganization(t testing.TB, db *gorm.DB, id snowflake.ID, name, billingEmail string) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO organizations (id, name, slug, billing_email, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, fmt.Sprintf("org-%d", id), billingEmail, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed organization: %v", err)
	}
}

// SeedMember inserts a user and their membership in orgID.
func SeedMember(t testing.TB, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, email, role string) {
	t.Helper()
	userID := node.Generate()
	if err := db.Exec(`INSERT INTO users (id, email) VALUES (?, ?)`, userID, email).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	err := db.Exec(
		`INSERT INTO organization_members (id, org_id, user_id, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		node.Generate(), orgID, userID, role, time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed member: %v", err)
	}
}
