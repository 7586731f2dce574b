package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EntryType string

const (
	EntryTypeSMSAlertCharge     EntryType = "SMSAlertCharge"
	EntryTypeQBECharge          EntryType = "QuickBalanceEnquiryCharge"
	EntryTypeTelcoSessionCharge EntryType = "TelcoSessionCharge"
	EntryTypeVATDebit           EntryType = "VATDebit"
)

// ProcessedBySystem marks entries written by batch jobs.
const ProcessedBySystem = "SYSTEM"

// AccountingEntry is one append-only posting. The debit leg always equals
// the credit leg plus VAT.
type AccountingEntry struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID             *snowflake.ID   `json:"customer_id,omitempty"`
	TransactionReference   string          `gorm:"uniqueIndex" json:"transaction_reference"`
	TransactionReferenceID string          `json:"transaction_reference_id"`
	DebitAmount            decimal.Decimal `gorm:"type:numeric(18,2)" json:"debit_amount"`
	CreditAmount           decimal.Decimal `gorm:"type:numeric(18,2)" json:"credit_amount"`
	VATAmount              decimal.Decimal `gorm:"type:numeric(18,2)" json:"vat_amount"`
	DebitAccountNumber     string          `json:"debit_account_number"`
	CreditAccountNumber    string          `json:"credit_account_number"`
	VATAccountNumber       *string         `json:"vat_account_number,omitempty"`
	Narration              string          `json:"narration"`
	EntryType              EntryType       `json:"entry_type"`
	ProcessedBy            string          `json:"processed_by"`
	ProcessedAt            time.Time       `json:"processed_at"`
	CreatedAt              time.Time       `json:"created_at"`
}

func (AccountingEntry) TableName() string { return "accounting_entries" }

// TypeTotal aggregates entries of one type.
type TypeTotal struct {
	EntryType    EntryType       `json:"entry_type"`
	Count        int64           `json:"count"`
	DebitAmount  decimal.Decimal `json:"debit_amount"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	VATAmount    decimal.Decimal `json:"vat_amount"`
}

type Service interface {
	// AppendEntries writes all entries or none. db may be an open transaction.
	AppendEntries(ctx context.Context, db *gorm.DB, entries []AccountingEntry) error
	GetByReference(ctx context.Context, reference string) (*AccountingEntry, error)
	ReferenceExists(ctx context.Context, db *gorm.DB, reference string) (bool, error)
	TotalsByType(ctx context.Context, from, to time.Time) ([]TypeTotal, error)
	CreditsByAccount(ctx context.Context, entryType EntryType, accounts []string, from, to time.Time) (map[string]decimal.Decimal, error)
}

var (
	ErrEmptyEntries       = errors.New("empty_entries")
	ErrInvalidReference   = errors.New("invalid_transaction_reference")
	ErrInvalidEntryType   = errors.New("invalid_entry_type")
	ErrNegativeAmount     = errors.New("negative_amount")
	ErrUnbalancedEntry    = errors.New("unbalanced_entry")
	ErrMissingAccount     = errors.New("missing_account_number")
	ErrDuplicateReference = errors.New("duplicate_transaction_reference")
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeSMSAlertCharge, EntryTypeQBECharge, EntryTypeTelcoSessionCharge, EntryTypeVATDebit:
		return true
	default:
		return false
	}
}

// Validate checks a single entry before it is written.
func (e AccountingEntry) Validate() error {
	if e.TransactionReference == "" {
		return ErrInvalidReference
	}
	if !e.EntryType.Valid() {
		return ErrInvalidEntryType
	}
	if e.DebitAccountNumber == "" || e.CreditAccountNumber == "" {
		return ErrMissingAccount
	}
	if e.DebitAmount.IsNegative() || e.CreditAmount.IsNegative() || e.VATAmount.IsNegative() {
		return ErrNegativeAmount
	}
	if !e.DebitAmount.Equal(e.CreditAmount.Add(e.VATAmount)) {
		return ErrUnbalancedEntry
	}
	return nil
}
