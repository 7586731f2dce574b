package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const itemColumns = `id, customer_id, alert_id, enquiry_id, source_account_id, charge_amount, vat_amount,
	total_charge, transaction_reference, status, retry_count, last_retry_at, failure_reason,
	processed_at, scheduled_for, consolidated_into_id, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *domain.DirectDebitItem) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO direct_debit_queue (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		item.ID,
		item.CustomerID,
		item.AlertID,
		item.EnquiryID,
		item.SourceAccountID,
		item.ChargeAmount,
		item.VATAmount,
		item.TotalCharge,
		item.TransactionReference,
		string(item.Status),
		item.RetryCount,
		item.LastRetryAt,
		item.FailureReason,
		item.ProcessedAt,
		item.ScheduledFor,
		item.ConsolidatedIntoID,
		item.CreatedAt.UTC(),
		item.UpdatedAt.UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.DirectDebitItem, error) {
	var items []domain.DirectDebitItem
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.DirectDebitItem, error) {
	return r.findOne(ctx, db, `SELECT `+itemColumns+` FROM direct_debit_queue WHERE id = ?`, id)
}

func (r *repo) GetByAlert(ctx context.Context, db *gorm.DB, alertID snowflake.ID) (*domain.DirectDebitItem, error) {
	return r.findOne(ctx, db, `SELECT `+itemColumns+` FROM direct_debit_queue WHERE alert_id = ?`, alertID)
}

func (r *repo) GetByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.DirectDebitItem, error) {
	return r.findOne(ctx, db, `SELECT `+itemColumns+` FROM direct_debit_queue WHERE transaction_reference = ?`, reference)
}

func (r *repo) Lock(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.DirectDebitItem, error) {
	lockStart := time.Now()
	item, err := r.findOne(ctx, db, `SELECT `+itemColumns+` FROM direct_debit_queue WHERE id = ? FOR UPDATE`, id)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceDirectDebitQueueForWork, time.Since(lockStart))
	return item, err
}

func (r *repo) LockProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.DirectDebitItem, error) {
	lockStart := time.Now()
	item, err := r.findOne(ctx, db,
		`SELECT `+itemColumns+` FROM direct_debit_queue WHERE id = ? AND status = ? FOR UPDATE`,
		id,
		string(queue.StatusProcessing),
	)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceDirectDebitQueueForWork, time.Since(lockStart))
	return item, err
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to queue.Status, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE direct_debit_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		at.UTC(),
		id,
		string(from),
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		obsmetrics.Scheduler().IncQueueTransition(string(queue.SourceDirectDebit), string(from), string(to))
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) LockFailed(ctx context.Context, db *gorm.DB, filter domain.FailedFilter) ([]domain.DirectDebitItem, error) {
	lockStart := time.Now()
	var items []domain.DirectDebitItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+`
		 FROM direct_debit_queue
		 WHERE status = ?
		   AND retry_count >= ?
		   AND created_at >= ? AND created_at < ?
		 ORDER BY customer_id ASC, source_account_id ASC, id ASC
		 FOR UPDATE`,
		string(queue.StatusFailed),
		filter.MinRetryCount,
		filter.From.UTC(),
		filter.To.UTC(),
	).Scan(&items).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceFailedForConsolidation, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkConsolidated(ctx context.Context, db *gorm.DB, ids []snowflake.ID, into snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE direct_debit_queue
		 SET status = ?, consolidated_into_id = ?, processed_at = ?, updated_at = ?
		 WHERE id IN ? AND status = ?`,
		string(queue.StatusCompleted),
		into,
		at.UTC(),
		at.UTC(),
		ids,
		string(queue.StatusFailed),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	for i := int64(0); i < result.RowsAffected; i++ {
		obsmetrics.Scheduler().IncQueueTransition(string(queue.SourceDirectDebit), string(queue.StatusFailed), string(queue.StatusCompleted))
	}
	return result.RowsAffected, nil
}

func (r *repo) ListConsolidatedInto(ctx context.Context, db *gorm.DB, into snowflake.ID) ([]domain.DirectDebitItem, error) {
	var items []domain.DirectDebitItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+` FROM direct_debit_queue WHERE consolidated_into_id = ? ORDER BY id ASC`,
		into,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.QueryFilter) ([]*domain.DirectDebitItem, error) {
	stmt := db.WithContext(ctx).Model(&domain.DirectDebitItem{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		stmt = stmt.Where("status IN ?", statuses)
	}
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", filter.To.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("((created_at < ?) OR (created_at = ? AND id < ?))",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var items []*domain.DirectDebitItem
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FailedIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM direct_debit_queue WHERE status = ? ORDER BY id ASC`,
		string(queue.StatusFailed),
	).Scan(&ids).Error
	return ids, err
}
