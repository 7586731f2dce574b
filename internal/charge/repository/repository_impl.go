package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/alertbilling/internal/charge/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const itemColumns = `id, account_number, amount, reason, status, failure_reason, retry_count,
	last_retry_at, processed_at, credit_account_number, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, items []domain.ChargeQueueItem) error {
	for i := range items {
		item := &items[i]
		err := db.WithContext(ctx).Exec(
			`INSERT INTO charge_queue (`+itemColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.AccountNumber,
			item.Amount,
			item.Reason,
			string(item.Status),
			item.FailureReason,
			item.RetryCount,
			item.LastRetryAt,
			item.ProcessedAt,
			item.CreditAccountNumber,
			item.CreatedAt.UTC(),
			item.UpdatedAt.UTC(),
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) LockProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ChargeQueueItem, error) {
	lockStart := time.Now()
	var items []domain.ChargeQueueItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+` FROM charge_queue WHERE id = ? AND status = ? FOR UPDATE`,
		id,
		string(queue.StatusProcessing),
	).Scan(&items).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceChargeQueueForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, creditAccount string, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE charge_queue
		 SET status = ?, failure_reason = NULL, processed_at = ?, credit_account_number = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(queue.StatusCompleted),
		at.UTC(),
		creditAccount,
		at.UTC(),
		id,
		string(queue.StatusProcessing),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return queue.ErrItemLost
	}
	obsmetrics.Scheduler().IncQueueTransition(string(queue.SourceCharge), string(queue.StatusProcessing), string(queue.StatusCompleted))
	return nil
}

func (r *repo) LockCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.ChargeQueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM charge_queue WHERE status = ?`
	args := []any{string(queue.StatusCompleted)}
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		query += ` AND id IN ?`
		args = append(args, ids)
	}
	query += ` ORDER BY id ASC FOR UPDATE SKIP LOCKED`

	var items []domain.ChargeQueueItem
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertArchive(ctx context.Context, db *gorm.DB, records []domain.ArchiveRecord) error {
	for i := range records {
		rec := &records[i]
		err := db.WithContext(ctx).Exec(
			`INSERT INTO charge_archive (
				id, charge_id, account_number, amount, reason, status, processed_at,
				debit_account_number, credit_account_number, processed_by, original_created_at, archived_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (charge_id) DO NOTHING`,
			rec.ID,
			rec.ChargeID,
			rec.AccountNumber,
			rec.Amount,
			rec.Reason,
			string(rec.Status),
			rec.ProcessedAt,
			rec.DebitAccountNumber,
			rec.CreditAccountNumber,
			rec.ProcessedBy,
			rec.OriginalCreatedAt.UTC(),
			rec.ArchivedAt.UTC(),
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) DeleteCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`DELETE FROM charge_queue WHERE id IN ? AND status = ?`,
		ids,
		string(queue.StatusCompleted),
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, filter domain.QueryFilter) ([]*domain.ChargeQueueItem, error) {
	stmt := db.WithContext(ctx).Model(&domain.ChargeQueueItem{}).
		Where("status = ?", string(queue.StatusFailed))
	stmt = applyFilter(stmt, filter, "created_at")

	var items []*domain.ChargeQueueItem
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListArchived(ctx context.Context, db *gorm.DB, filter domain.QueryFilter) ([]*domain.ArchiveRecord, error) {
	stmt := applyFilter(db.WithContext(ctx).Model(&domain.ArchiveRecord{}), filter, "archived_at")

	var records []*domain.ArchiveRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func applyFilter(stmt *gorm.DB, filter domain.QueryFilter, timeColumn string) *gorm.DB {
	if account := strings.TrimSpace(filter.AccountNumber); account != "" {
		stmt = stmt.Where("account_number = ?", account)
	}
	if filter.From != nil {
		stmt = stmt.Where(timeColumn+" >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where(timeColumn+" < ?", filter.To.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(("+timeColumn+" < ?) OR ("+timeColumn+" = ? AND id < ?))",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order(timeColumn + " desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	return stmt
}
