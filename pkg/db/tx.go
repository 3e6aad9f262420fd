package db

import (
	"context"

	"gorm.io/gorm"
)

// Transact runs fn in a single transaction bound to ctx. fn must use only the
// handle it receives; the transaction commits when fn returns nil.
func Transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

// SupportsSkipLocked reports whether the dialect can skip rows locked by other
// transactions. SQLite serialises writers instead.
func SupportsSkipLocked(db *gorm.DB) bool {
	return SupportsRowLocks(db)
}

// SupportsRowLocks reports whether the dialect accepts SELECT ... FOR UPDATE.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
