package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderSettlement is the entry posted for one telco.
type ProviderSettlement struct {
	Provider     string          `json:"provider"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	EnquiryCount int             `json:"enquiry_count"`
}

type SettlementResult struct {
	Success          bool                 `json:"success"`
	Message          string               `json:"message"`
	SettlementDate   time.Time            `json:"settlement_date"`
	EnquiriesSettled int                  `json:"enquiries_settled"`
	TotalAmount      decimal.Decimal      `json:"total_amount"`
	Providers        []ProviderSettlement `json:"providers"`
	Errors           []string             `json:"errors,omitempty"`
}

type Service interface {
	// SettleTelco moves the session charges of every charged, unsettled
	// enquiry from each telco's suspense account to its settlement account.
	SettleTelco(ctx context.Context) (SettlementResult, error)
}
