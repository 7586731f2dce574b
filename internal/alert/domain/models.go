package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AlertType string

const (
	AlertTypeTransactionNotification AlertType = "TransactionNotification"
	AlertTypeQuickBalanceEnquiry     AlertType = "QuickBalanceEnquiry"
	AlertTypeAccountStatement        AlertType = "AccountStatement"
	AlertTypeSecurityAlert           AlertType = "SecurityAlert"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "Pending"
	DeliveryStatusDelivered DeliveryStatus = "Delivered"
	DeliveryStatusFailed    DeliveryStatus = "Failed"
	DeliveryStatusExpired   DeliveryStatus = "Expired"
)

// SMSAlert is a delivered (or pending) alert that carries a charge.
type SMSAlert struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID     snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	AccountID      snowflake.ID    `gorm:"not null;index" json:"account_id"`
	AlertType      AlertType       `json:"alert_type"`
	Message        string          `json:"message"`
	ChargeAmount   decimal.Decimal `gorm:"type:numeric(18,2)" json:"charge_amount"`
	VATAmount      decimal.Decimal `gorm:"type:numeric(18,2)" json:"vat_amount"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status"`
	IsCharged      bool            `json:"is_charged"`
	ChargedAt      *time.Time      `json:"charged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (SMSAlert) TableName() string { return "sms_alerts" }

// Total is the amount debited for the alert.
func (a SMSAlert) Total() decimal.Decimal {
	return a.ChargeAmount.Add(a.VATAmount)
}

// QuickBalanceEnquiry is a USSD balance request billed to the customer. The
// session charge is owed to the telco that carried the session.
type QuickBalanceEnquiry struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerID    snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	AccountID     snowflake.ID    `gorm:"not null;index" json:"account_id"`
	TelcoProvider string          `json:"telco_provider"`
	ChargeAmount  decimal.Decimal `gorm:"type:numeric(18,2)" json:"charge_amount"`
	SessionCharge decimal.Decimal `gorm:"type:numeric(18,2)" json:"session_charge"`
	IsCharged     bool            `json:"is_charged"`
	ChargedAt     *time.Time      `json:"charged_at,omitempty"`
	IsSettled     bool            `json:"is_settled"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (QuickBalanceEnquiry) TableName() string { return "quick_balance_enquiries" }

// EnquiryFilter narrows the uncharged enquiry scan. Zero times are open ends.
type EnquiryFilter struct {
	AfterID snowflake.ID
	From    time.Time
	To      time.Time
	Limit   int
}

type Repository interface {
	GetAlert(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SMSAlert, error)
	InsertAlert(ctx context.Context, db *gorm.DB, alert *SMSAlert) error
	// MarkAlertCharged flags the alert delivered and charged. It reports
	// false when the alert was already charged.
	MarkAlertCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	GetEnquiry(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QuickBalanceEnquiry, error)
	// ListUnchargedEnquiries returns enquiries that are neither charged nor
	// bound to a direct-debit item, ordered by id.
	ListUnchargedEnquiries(ctx context.Context, db *gorm.DB, filter EnquiryFilter) ([]QuickBalanceEnquiry, error)
	MarkEnquiryCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	// LockUnsettledEnquiries returns charged enquiries awaiting settlement.
	LockUnsettledEnquiries(ctx context.Context, db *gorm.DB) ([]QuickBalanceEnquiry, error)
	MarkEnquiriesSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
}

var (
	ErrAlertNotFound   = errors.New("alert_not_found")
	ErrEnquiryNotFound = errors.New("enquiry_not_found")
)
