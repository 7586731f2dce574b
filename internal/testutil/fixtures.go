package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Epoch is the default fixture timestamp.
var Epoch = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

type AccountFixture struct {
	ID              int64
	CustomerID      int64
	Number          string
	Type            string
	Currency        string
	Balance         string
	Domiciliary     bool
	LinkedAccountID *int64
}

func InsertCustomer(t *testing.T, db *gorm.DB, id int64, email string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO customers (id, first_name, last_name, email, phone_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, "Ada", "Obi", email, "08030000000", Epoch, Epoch,
	).Error; err != nil {
		t.Fatalf("insert customer: %v", err)
	}
}

func InsertAccount(t *testing.T, db *gorm.DB, a AccountFixture) {
	t.Helper()
	if a.Type == "" {
		a.Type = "Savings"
	}
	if a.Currency == "" {
		a.Currency = "NGN"
	}
	if a.Balance == "" {
		a.Balance = "0"
	}
	if err := db.Exec(
		`INSERT INTO accounts (id, customer_id, account_number, account_name, account_type, currency,
			balance, is_domiciliary, linked_account_id, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CustomerID, a.Number, "Ada Obi", a.Type, a.Currency,
		decimal.RequireFromString(a.Balance), a.Domiciliary, a.LinkedAccountID, true, Epoch, Epoch,
	).Error; err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func InsertAlert(t *testing.T, db *gorm.DB, id, customerID, accountID int64, alertType, charge, vat string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO sms_alerts (id, customer_id, account_id, alert_type, message, charge_amount, vat_amount,
			delivery_status, is_charged, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, customerID, accountID, alertType, "Debit alert", decimal.RequireFromString(charge),
		decimal.RequireFromString(vat), "Pending", false, Epoch, Epoch,
	).Error; err != nil {
		t.Fatalf("insert alert: %v", err)
	}
}

func InsertEnquiry(t *testing.T, db *gorm.DB, id, customerID, accountID int64, provider string, createdAt time.Time) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO quick_balance_enquiries (id, customer_id, account_id, telco_provider, charge_amount,
			session_charge, is_charged, is_settled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, customerID, accountID, provider, decimal.RequireFromString("10.00"),
		decimal.RequireFromString("6.98"), false, false, createdAt.UTC(),
	).Error; err != nil {
		t.Fatalf("insert enquiry: %v", err)
	}
}

// Balance reads an account balance rounded to kobo.
func Balance(t *testing.T, db *gorm.DB, accountNumber string) decimal.Decimal {
	t.Helper()
	var rows []struct {
		Balance decimal.Decimal
	}
	if err := db.Raw(`SELECT balance FROM accounts WHERE account_number = ?`, accountNumber).Scan(&rows).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("account %s not found", accountNumber)
	}
	return rows[0].Balance.Round(2)
}

func Count(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

type ChargeFixture struct {
	ID          int64
	Account     string
	Amount      string
	Reason      string
	Status      string
	RetryCount  int
	LastRetryAt *time.Time
	UpdatedAt   time.Time
}

func InsertCharge(t *testing.T, db *gorm.DB, c ChargeFixture) {
	t.Helper()
	if c.Status == "" {
		c.Status = "Pending"
	}
	if c.Reason == "" {
		c.Reason = "sms-alert charge"
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = Epoch
	}
	if err := db.Exec(
		`INSERT INTO charge_queue (id, account_number, amount, reason, status, retry_count, last_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Account, decimal.RequireFromString(c.Amount), c.Reason, c.Status, c.RetryCount, c.LastRetryAt, Epoch, c.UpdatedAt,
	).Error; err != nil {
		t.Fatalf("insert charge: %v", err)
	}
}

type DebitFixture struct {
	ID              int64
	CustomerID      int64
	AlertID         *int64
	EnquiryID       *int64
	SourceAccountID int64
	Charge          string
	VAT             string
	Status          string
	RetryCount      int
	LastRetryAt     *time.Time
	ScheduledFor    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func InsertDebit(t *testing.T, db *gorm.DB, d DebitFixture) {
	t.Helper()
	if d.Status == "" {
		d.Status = "Pending"
	}
	if d.VAT == "" {
		d.VAT = "0"
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = Epoch
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	charge := decimal.RequireFromString(d.Charge)
	vat := decimal.RequireFromString(d.VAT)
	if err := db.Exec(
		`INSERT INTO direct_debit_queue (id, customer_id, alert_id, enquiry_id, source_account_id, charge_amount,
			vat_amount, total_charge, transaction_reference, status, retry_count, last_retry_at, scheduled_for,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CustomerID, d.AlertID, d.EnquiryID, d.SourceAccountID, charge, vat, charge.Add(vat),
		fmt.Sprintf("DD_%d", d.ID), d.Status, d.RetryCount, d.LastRetryAt, d.ScheduledFor, d.CreatedAt, d.UpdatedAt,
	).Error; err != nil {
		t.Fatalf("insert debit: %v", err)
	}
}

// Status reads the status column of a queue row.
func Status(t *testing.T, db *gorm.DB, table string, id int64) string {
	t.Helper()
	var rows []struct {
		Status string
	}
	if err := db.Raw(`SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&rows).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if len(rows) == 0 {
		return ""
	}
	return rows[0].Status
}

func Int64(v int64) *int64 { return &v }

func Time(v time.Time) *time.Time { return &v }
