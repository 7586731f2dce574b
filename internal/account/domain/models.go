package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountType string

const (
	AccountTypeSavings     AccountType = "Savings"
	AccountTypeCurrent     AccountType = "Current"
	AccountTypeDomiciliary AccountType = "Domiciliary"
)

type Currency string

const (
	CurrencyNGN Currency = "NGN"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

type Customer struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	FirstName   string       `json:"first_name"`
	LastName    string       `json:"last_name"`
	Email       string       `json:"email"`
	PhoneNumber string       `json:"phone_number"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

type Account struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID      snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	AccountNumber   string          `gorm:"not null;uniqueIndex" json:"account_number"`
	AccountName     string          `json:"account_name"`
	AccountType     AccountType     `json:"account_type"`
	Currency        Currency        `json:"currency"`
	Balance         decimal.Decimal `gorm:"type:numeric(18,2)" json:"balance"`
	IsDomiciliary   bool            `json:"is_domiciliary"`
	LinkedAccountID *snowflake.ID   `json:"linked_account_id,omitempty"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Repository is the account store. Every method runs on the handle it is
// given so balance changes can share a transaction with ledger writes.
type Repository interface {
	GetAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	GetByNumber(ctx context.Context, db *gorm.DB, accountNumber string) (*Account, error)
	LockByNumber(ctx context.Context, db *gorm.DB, accountNumber string) (*Account, error)
	GetCustomer(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)

	// Debit locks the row, checks the balance and writes the new one.
	Debit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, at time.Time) (decimal.Decimal, error)
	Credit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, at time.Time) (decimal.Decimal, error)

	// ResolveFundingAccount returns the account that pays for charges raised
	// on acct: itself, or its linked local account when acct is domiciliary.
	ResolveFundingAccount(ctx context.Context, db *gorm.DB, acct *Account) (*Account, error)
}

var (
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrCustomerNotFound      = errors.New("customer_not_found")
	ErrInsufficientFunds     = errors.New("insufficient_funds")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrNoLinkedAccount       = errors.New("no_linked_account")
	ErrLinkedAccountNotFound = errors.New("linked_account_not_found")
)

// FailureReason is the human-readable text stored on a failed queue item.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "Insufficient funds"
	case errors.Is(err, ErrAccountNotFound):
		return "Account not found"
	case errors.Is(err, ErrNoLinkedAccount):
		return "No linked account"
	case errors.Is(err, ErrLinkedAccountNotFound):
		return "Linked account not found"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// IsBusinessFailure reports errors that are recorded on the item instead of
// aborting the batch.
func IsBusinessFailure(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrNoLinkedAccount) ||
		errors.Is(err, ErrLinkedAccountNotFound)
}

// MaskAccountNumber keeps the last four digits.
func MaskAccountNumber(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return "*****" + accountNumber
	}
	return "*****" + accountNumber[len(accountNumber)-4:]
}
