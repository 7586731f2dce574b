package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"gorm.io/gorm"
)

// DirectDebitItem collects the charge raised by one alert or enquiry, or a
// consolidation of several failed ones.
type DirectDebitItem struct {
	ID                   snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID           snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	AlertID              *snowflake.ID   `gorm:"uniqueIndex" json:"alert_id,omitempty"`
	EnquiryID            *snowflake.ID   `gorm:"uniqueIndex" json:"enquiry_id,omitempty"`
	SourceAccountID      snowflake.ID    `gorm:"not null" json:"source_account_id"`
	ChargeAmount         decimal.Decimal `gorm:"type:numeric(18,2)" json:"charge_amount"`
	VATAmount            decimal.Decimal `gorm:"type:numeric(18,2)" json:"vat_amount"`
	TotalCharge          decimal.Decimal `gorm:"type:numeric(18,2)" json:"total_charge"`
	TransactionReference string          `gorm:"uniqueIndex" json:"transaction_reference"`
	Status               queue.Status    `json:"status"`
	RetryCount           int             `json:"retry_count"`
	LastRetryAt          *time.Time      `json:"last_retry_at,omitempty"`
	FailureReason        *string         `json:"failure_reason,omitempty"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty"`
	ScheduledFor         *time.Time      `json:"scheduled_for,omitempty"`
	ConsolidatedIntoID   *snowflake.ID   `json:"consolidated_into_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (DirectDebitItem) TableName() string { return "direct_debit_queue" }

// ReferenceFor is the transaction reference of an ordinary item.
func ReferenceFor(id snowflake.ID) string {
	return "DD_" + id.String()
}

type ItemDetail struct {
	ItemID        snowflake.ID    `json:"item_id,omitempty"`
	AlertID       *snowflake.ID   `json:"alert_id,omitempty"`
	EnquiryID     *snowflake.ID   `json:"enquiry_id,omitempty"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Status        queue.Status    `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

type ProcessingResult struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	ProcessedCount  int             `json:"processed_count"`
	FailedCount     int             `json:"failed_count"`
	SkippedCount    int             `json:"skipped_count"`
	QBEProcessed    int             `json:"qbe_processed"`
	QBEFailed       int             `json:"qbe_failed"`
	CollectedAmount decimal.Decimal `json:"collected_amount"`
	FailedAmount    decimal.Decimal `json:"failed_amount"`
	Details         []ItemDetail    `json:"details"`
	Errors          []string        `json:"errors,omitempty"`
}

func (r *ProcessingResult) Record(detail ItemDetail, outcome queue.Outcome, enquiry bool) {
	switch outcome {
	case queue.OutcomeSuccess:
		if enquiry {
			r.QBEProcessed++
		} else {
			r.ProcessedCount++
		}
		r.CollectedAmount = r.CollectedAmount.Add(detail.Amount)
	case queue.OutcomeBusinessFailure:
		if enquiry {
			r.QBEFailed++
		} else {
			r.FailedCount++
		}
		r.FailedAmount = r.FailedAmount.Add(detail.Amount)
	case queue.OutcomeSkipped:
		r.SkippedCount++
		return
	default:
		return
	}
	r.Details = append(r.Details, detail)
}

type ListFilter struct {
	pagination.Pagination
	CustomerID snowflake.ID
	From       *time.Time
	To         *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Items []DirectDebitItem `json:"items"`
}

type QueryFilter struct {
	Statuses   []queue.Status
	CustomerID snowflake.ID
	From       *time.Time
	To         *time.Time
	Cursor     *pagination.KeysetCursor
	Limit      int
}

// FailedFilter selects Failed items for consolidation.
type FailedFilter struct {
	From          time.Time
	To            time.Time
	MinRetryCount int
}

type Repository interface {
	// Insert writes item unless an item for the same alert or enquiry
	// exists. It reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, item *DirectDebitItem) (bool, error)
	GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*DirectDebitItem, error)
	GetByAlert(ctx context.Context, db *gorm.DB, alertID snowflake.ID) (*DirectDebitItem, error)
	GetByReference(ctx context.Context, db *gorm.DB, reference string) (*DirectDebitItem, error)
	Lock(ctx context.Context, db *gorm.DB, id snowflake.ID) (*DirectDebitItem, error)
	LockProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID) (*DirectDebitItem, error)
	// SetStatus moves an item from one status to another and reports whether
	// it was still in from.
	SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to queue.Status, at time.Time) (bool, error)
	LockFailed(ctx context.Context, db *gorm.DB, filter FailedFilter) ([]DirectDebitItem, error)
	MarkConsolidated(ctx context.Context, db *gorm.DB, ids []snowflake.ID, into snowflake.ID, at time.Time) (int64, error)
	// ListConsolidatedInto returns the items carried by a consolidated item.
	ListConsolidatedInto(ctx context.Context, db *gorm.DB, into snowflake.ID) ([]DirectDebitItem, error)
	List(ctx context.Context, db *gorm.DB, filter QueryFilter) ([]*DirectDebitItem, error)
	FailedIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}

type Service interface {
	QueueDebit(ctx context.Context, alertID snowflake.ID) (*DirectDebitItem, error)
	ProcessDaily(ctx context.Context) (ProcessingResult, error)
	ProcessMonthlyQBE(ctx context.Context, from, to time.Time) (ProcessingResult, error)
	GetPending(ctx context.Context, filter ListFilter) (ListResponse, error)
	GetFailed(ctx context.Context, filter ListFilter) (ListResponse, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, status queue.Status, actor string) (*DirectDebitItem, error)
	// RequeueFailed moves Failed items that still have retries left to
	// RetryQueued. Empty ids means every Failed item.
	RequeueFailed(ctx context.Context, ids []snowflake.ID, actor string) (int, error)
}

var (
	ErrItemNotFound     = errors.New("direct_debit_item_not_found")
	ErrAlreadyCharged   = errors.New("alert_already_charged")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidWindow    = errors.New("invalid_processing_window")
	ErrRetriesExhausted = errors.New("retries_exhausted")
)
