// Package testutil builds throwaway sqlite databases shaped like the
// production schema.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone_number TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		account_number TEXT NOT NULL UNIQUE,
		account_name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'NGN',
		balance NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
		is_domiciliary BOOLEAN NOT NULL DEFAULT 0,
		linked_account_id INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE charge_queue (
		id INTEGER PRIMARY KEY,
		account_number TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		processed_at DATETIME,
		credit_account_number TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE charge_archive (
		id INTEGER PRIMARY KEY,
		charge_id INTEGER NOT NULL UNIQUE,
		account_number TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_at DATETIME,
		debit_account_number TEXT NOT NULL,
		credit_account_number TEXT NOT NULL,
		processed_by TEXT NOT NULL,
		original_created_at DATETIME,
		archived_at DATETIME
	)`,
	`CREATE TABLE sms_alerts (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		alert_type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		charge_amount NUMERIC NOT NULL DEFAULT 0,
		vat_amount NUMERIC NOT NULL DEFAULT 0,
		delivery_status TEXT NOT NULL DEFAULT 'Pending',
		is_charged BOOLEAN NOT NULL DEFAULT 0,
		charged_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE quick_balance_enquiries (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		telco_provider TEXT NOT NULL,
		charge_amount NUMERIC NOT NULL,
		session_charge NUMERIC NOT NULL,
		is_charged BOOLEAN NOT NULL DEFAULT 0,
		charged_at DATETIME,
		is_settled BOOLEAN NOT NULL DEFAULT 0,
		settled_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE direct_debit_queue (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		alert_id INTEGER UNIQUE,
		enquiry_id INTEGER UNIQUE,
		source_account_id INTEGER NOT NULL,
		charge_amount NUMERIC NOT NULL,
		vat_amount NUMERIC NOT NULL DEFAULT 0,
		total_charge NUMERIC NOT NULL,
		transaction_reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		failure_reason TEXT,
		processed_at DATETIME,
		scheduled_for DATETIME,
		consolidated_into_id INTEGER,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE accounting_entries (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER,
		transaction_reference TEXT NOT NULL UNIQUE,
		transaction_reference_id TEXT NOT NULL,
		debit_amount NUMERIC NOT NULL,
		credit_amount NUMERIC NOT NULL,
		vat_amount NUMERIC NOT NULL DEFAULT 0,
		debit_account_number TEXT NOT NULL,
		credit_account_number TEXT NOT NULL,
		vat_account_number TEXT,
		narration TEXT NOT NULL DEFAULT '',
		entry_type TEXT NOT NULL,
		processed_by TEXT NOT NULL,
		processed_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE system_configurations (
		config_key TEXT PRIMARY KEY,
		config_value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		last_modified_by TEXT NOT NULL DEFAULT 'system',
		last_modified_at DATETIME
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		created_at DATETIME
	)`,
}

// OpenDB returns an in-memory sqlite database with every engine table
// created. Row-lock clauses are stripped since sqlite has no FOR UPDATE.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:alertbilling_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripRowLocks)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripRowLocks)
	db.Callback().Raw().Before("gorm:raw").Register("sqlite_skip_locked_raw", stripRowLocks)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func stripRowLocks(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if !strings.Contains(sql, "FOR UPDATE") {
		return
	}
	sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
	sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
	d.Statement.SQL.Reset()
	d.Statement.SQL.WriteString(sql)
}
