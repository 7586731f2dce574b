package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/alertbilling/internal/alert/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const (
	alertColumns = `id, customer_id, account_id, alert_type, message, charge_amount, vat_amount,
		delivery_status, is_charged, charged_at, created_at, updated_at`
	enquiryColumns = `id, customer_id, account_id, telco_provider, charge_amount, session_charge,
		is_charged, charged_at, is_settled, settled_at, created_at`
)

func (r *repo) GetAlert(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.SMSAlert, error) {
	var alerts []domain.SMSAlert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+` FROM sms_alerts WHERE id = ?`,
		id,
	).Scan(&alerts).Error
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

func (r *repo) InsertAlert(ctx context.Context, db *gorm.DB, alert *domain.SMSAlert) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sms_alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.CustomerID,
		alert.AccountID,
		string(alert.AlertType),
		alert.Message,
		alert.ChargeAmount,
		alert.VATAmount,
		string(alert.DeliveryStatus),
		alert.IsCharged,
		alert.ChargedAt,
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
	).Error
}

func (r *repo) MarkAlertCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE sms_alerts
		 SET delivery_status = ?, is_charged = ?, charged_at = ?, updated_at = ?
		 WHERE id = ? AND is_charged = ?`,
		string(domain.DeliveryStatusDelivered),
		true,
		at.UTC(),
		at.UTC(),
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) GetEnquiry(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.QuickBalanceEnquiry, error) {
	var enquiries []domain.QuickBalanceEnquiry
	err := db.WithContext(ctx).Raw(
		`SELECT `+enquiryColumns+` FROM quick_balance_enquiries WHERE id = ?`,
		id,
	).Scan(&enquiries).Error
	if err != nil {
		return nil, err
	}
	if len(enquiries) == 0 {
		return nil, nil
	}
	return &enquiries[0], nil
}

func (r *repo) ListUnchargedEnquiries(ctx context.Context, db *gorm.DB, filter domain.EnquiryFilter) ([]domain.QuickBalanceEnquiry, error) {
	query := db.WithContext(ctx).
		Table("quick_balance_enquiries AS q").
		Select("q.*").
		Where("q.is_charged = ?", false).
		Where("q.id > ?", filter.AfterID).
		Where("NOT EXISTS (SELECT 1 FROM direct_debit_queue d WHERE d.enquiry_id = q.id)")
	if !filter.From.IsZero() {
		query = query.Where("q.created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("q.created_at < ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var enquiries []domain.QuickBalanceEnquiry
	if err := query.Order("q.id ASC").Find(&enquiries).Error; err != nil {
		return nil, err
	}
	return enquiries, nil
}

func (r *repo) MarkEnquiryCharged(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE quick_balance_enquiries SET is_charged = ?, charged_at = ? WHERE id = ? AND is_charged = ?`,
		true,
		at.UTC(),
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) LockUnsettledEnquiries(ctx context.Context, db *gorm.DB) ([]domain.QuickBalanceEnquiry, error) {
	var enquiries []domain.QuickBalanceEnquiry
	err := db.WithContext(ctx).Raw(
		`SELECT `+enquiryColumns+`
		 FROM quick_balance_enquiries
		 WHERE is_charged = ? AND is_settled = ?
		 ORDER BY id ASC
		 FOR UPDATE SKIP LOCKED`,
		true,
		false,
	).Scan(&enquiries).Error
	if err != nil {
		return nil, err
	}
	return enquiries, nil
}

func (r *repo) MarkEnquiriesSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE quick_balance_enquiries SET is_settled = ?, settled_at = ?
		 WHERE id IN ? AND is_settled = ?`,
		true,
		at.UTC(),
		ids,
		false,
	)
	return result.RowsAffected, result.Error
}
