package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
)

// Consolidation is one Pending item created from a group of failed debits.
type Consolidation struct {
	ItemID        snowflake.ID    `json:"item_id"`
	CustomerID    snowflake.ID    `json:"customer_id"`
	AccountNumber string          `json:"account_number"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	ItemCount     int             `json:"item_count"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
}

type ReconciliationResult struct {
	Success               bool            `json:"success"`
	Message               string          `json:"message"`
	ProcessedDate         time.Time       `json:"processed_date"`
	TransactionsProcessed int             `json:"transactions_processed"`
	ConsolidatedAccounts  int             `json:"consolidated_accounts"`
	ConsolidatedAmount    decimal.Decimal `json:"consolidated_amount"`
	ReversalEntries       int             `json:"reversal_entries"`
	Consolidations        []Consolidation `json:"consolidations"`
	Errors                []string        `json:"errors,omitempty"`
}

type MonthEndResult struct {
	Success                  bool            `json:"success"`
	Message                  string          `json:"message"`
	ProcessingDate           time.Time       `json:"processing_date"`
	Period                   string          `json:"period"`
	AccountsProcessed        int             `json:"accounts_processed"`
	TransactionsConsolidated int             `json:"transactions_consolidated"`
	TotalConsolidatedAmount  decimal.Decimal `json:"total_consolidated_amount"`
	Consolidations           []Consolidation `json:"consolidations"`
	Errors                   []string        `json:"errors,omitempty"`
}

// DailyReconciliation summarises one day of ledger activity.
type DailyReconciliation struct {
	Date                 time.Time                  `json:"date"`
	TotalSMSCharges      decimal.Decimal            `json:"total_sms_charges"`
	TotalQBECharges      decimal.Decimal            `json:"total_qbe_charges"`
	TotalVATCollected    decimal.Decimal            `json:"total_vat_collected"`
	TotalTelcoCharges    decimal.Decimal            `json:"total_telco_charges"`
	TelcoProviderCharges map[string]decimal.Decimal `json:"telco_provider_charges"`
	Totals               []ledgerdomain.TypeTotal   `json:"totals"`
}

type Service interface {
	// ReconcileFailed consolidates the exhausted failures created on date.
	ReconcileFailed(ctx context.Context, date time.Time) (ReconciliationResult, error)
	// MonthEnd consolidates every failure from the start of date's month
	// through date.
	MonthEnd(ctx context.Context, date time.Time) (MonthEndResult, error)
	DailyReport(ctx context.Context, date time.Time) (DailyReconciliation, error)
}

var ErrConsolidationConflict = errors.New("consolidation_conflict")

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FirstOfNextMonth is midnight UTC on the first day of the month after t.
func FirstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
