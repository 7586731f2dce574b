package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/config"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	ReasonSMSAlert = "sms-alert charge"
	ReasonQBEAlert = "quick balance enquiry alert charge"
)

// ChargeQueueItem is an administrative charge waiting to be collected.
type ChargeQueueItem struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountNumber       string          `gorm:"not null;index" json:"account_number"`
	Amount              decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Reason              string          `json:"reason"`
	Status              queue.Status    `json:"status"`
	FailureReason       *string         `json:"failure_reason,omitempty"`
	RetryCount          int             `json:"retry_count"`
	LastRetryAt         *time.Time      `json:"last_retry_at,omitempty"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	CreditAccountNumber *string         `json:"credit_account_number,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (ChargeQueueItem) TableName() string { return "charge_queue" }

// ArchiveRecord is written once per successfully collected charge.
type ArchiveRecord struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	ChargeID            snowflake.ID    `gorm:"uniqueIndex" json:"charge_id"`
	AccountNumber       string          `json:"account_number"`
	Amount              decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Reason              string          `json:"reason"`
	Status              queue.Status    `json:"status"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	DebitAccountNumber  string          `json:"debit_account_number"`
	CreditAccountNumber string          `json:"credit_account_number"`
	ProcessedBy         string          `json:"processed_by"`
	OriginalCreatedAt   time.Time       `json:"original_created_at"`
	ArchivedAt          time.Time       `json:"archived_at"`
}

func (ArchiveRecord) TableName() string { return "charge_archive" }

type ChargeRequest struct {
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
}

// ItemDetail reports what happened to one item in a pass.
type ItemDetail struct {
	ChargeID      snowflake.ID    `json:"charge_id"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        queue.Status    `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

type BatchResult struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	ProcessedCount  int             `json:"processed_count"`
	FailedCount     int             `json:"failed_count"`
	SkippedCount    int             `json:"skipped_count"`
	ArchivedCount   int             `json:"archived_count"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ProcessedAmount decimal.Decimal `json:"processed_amount"`
	FailedAmount    decimal.Decimal `json:"failed_amount"`
	Details         []ItemDetail    `json:"details"`
	Errors          []string        `json:"errors,omitempty"`
}

// Record folds one item outcome into the result.
func (r *BatchResult) Record(detail ItemDetail, outcome queue.Outcome) {
	switch outcome {
	case queue.OutcomeSuccess:
		r.ProcessedCount++
		r.ProcessedAmount = r.ProcessedAmount.Add(detail.Amount)
	case queue.OutcomeBusinessFailure:
		r.FailedCount++
		r.FailedAmount = r.FailedAmount.Add(detail.Amount)
	case queue.OutcomeSkipped:
		r.SkippedCount++
		return
	}
	r.TotalAmount = r.TotalAmount.Add(detail.Amount)
	r.Details = append(r.Details, detail)
}

type ListFilter struct {
	pagination.Pagination
	AccountNumber string
	From          *time.Time
	To            *time.Time
}

type ListFailedResponse struct {
	pagination.PageInfo
	Items []ChargeQueueItem `json:"items"`
}

type ListArchivedResponse struct {
	pagination.PageInfo
	Records []ArchiveRecord `json:"records"`
}

// QueryFilter is the repository form of ListFilter.
type QueryFilter struct {
	AccountNumber string
	From          *time.Time
	To            *time.Time
	Cursor        *pagination.KeysetCursor
	Limit         int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, items []ChargeQueueItem) error
	// LockProcessing returns the item only while it is Processing.
	LockProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ChargeQueueItem, error)
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, creditAccount string, at time.Time) error
	LockCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]ChargeQueueItem, error)
	InsertArchive(ctx context.Context, db *gorm.DB, records []ArchiveRecord) error
	DeleteCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
	ListFailed(ctx context.Context, db *gorm.DB, filter QueryFilter) ([]*ChargeQueueItem, error)
	ListArchived(ctx context.Context, db *gorm.DB, filter QueryFilter) ([]*ArchiveRecord, error)
}

type Service interface {
	Submit(ctx context.Context, charges []ChargeRequest, processImmediately bool) (BatchResult, error)
	ProcessPending(ctx context.Context) (BatchResult, error)
	ProcessSingle(ctx context.Context, charge ChargeRequest) (BatchResult, error)
	GetFailed(ctx context.Context, filter ListFilter) (ListFailedResponse, error)
	GetArchived(ctx context.Context, filter ListFilter) (ListArchivedResponse, error)
}

var (
	ErrEmptyBatch          = errors.New("empty_charge_batch")
	ErrInvalidChargeAmount = errors.New("invalid_charge_amount")
	ErrMissingAccount      = errors.New("missing_account_number")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
)

// AmountError carries the operator-facing message for a rejected amount.
type AmountError struct {
	Amount  decimal.Decimal
	SMSUnit decimal.Decimal
	QBEUnit decimal.Decimal
}

func (e *AmountError) Error() string {
	return fmt.Sprintf(
		"Invalid charge amount: %s. Amount must be a multiple of %s for SMS alerts or multiple of %s for QBE alerts.",
		e.Amount.String(), e.SMSUnit.String(), e.QBEUnit.String(),
	)
}

func (e *AmountError) Unwrap() error { return ErrInvalidChargeAmount }

// ValidateAmount accepts positive multiples of either unit charge.
func ValidateAmount(b config.BillingConstants, amount decimal.Decimal) error {
	if amount.IsPositive() && (isMultiple(amount, b.SMSUnitCharge) || isMultiple(amount, b.QBEUnitCharge)) {
		return nil
	}
	return &AmountError{Amount: amount, SMSUnit: b.SMSUnitCharge, QBEUnit: b.QBEUnitCharge}
}

// ReasonFor tags an amount by the unit it is a multiple of. QBE wins when
// both divide it.
func ReasonFor(b config.BillingConstants, amount decimal.Decimal) string {
	if isMultiple(amount, b.QBEUnitCharge) {
		return ReasonQBEAlert
	}
	return ReasonSMSAlert
}

// EntryTypeFor maps a reason to the ledger entry type it is booked under.
func EntryTypeFor(reason string) ledgerdomain.EntryType {
	if reason == ReasonQBEAlert {
		return ledgerdomain.EntryTypeQBECharge
	}
	return ledgerdomain.EntryTypeSMSAlertCharge
}

func isMultiple(amount, unit decimal.Decimal) bool {
	if !unit.IsPositive() {
		return false
	}
	return amount.Mod(unit).IsZero()
}
